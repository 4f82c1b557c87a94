// market/instruments.go
package market

import (
	"fmt"
	"strings"
)

// Instrument is an exchange-qualified identifier, e.g. NSE:2885.
// It is comparable and used as a map key throughout the engine.
type Instrument struct {
	Exchange string
	Token    string
}

func NewInstrument(exchange, token string) Instrument {
	return Instrument{Exchange: strings.ToUpper(strings.TrimSpace(exchange)), Token: strings.TrimSpace(token)}
}

func (i Instrument) String() string {
	return i.Exchange + ":" + i.Token
}

func (i Instrument) IsZero() bool {
	return i.Exchange == "" && i.Token == ""
}

// ParseInstrument parses the EXCHANGE:TOKEN form produced by String.
func ParseInstrument(s string) (Instrument, error) {
	ex, tok, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || ex == "" || tok == "" {
		return Instrument{}, fmt.Errorf("invalid instrument %q: want EXCHANGE:TOKEN", s)
	}
	return NewInstrument(ex, tok), nil
}

// MarshalText lets Instrument be used as a JSON object key.
func (i Instrument) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

func (i *Instrument) UnmarshalText(b []byte) error {
	v, err := ParseInstrument(string(b))
	if err != nil {
		return err
	}
	*i = v
	return nil
}
