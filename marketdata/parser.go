package marketdata

import (
	"math"
	"strconv"
	"strings"

	"github.com/relvacode/iso8601"
	"github.com/valyala/fastjson"

	"github.com/exchangecore/connector/coreerr"
)

// ParseConfig carries the tick-parser options. Parse reads only
// DecimalPlaces; StrictFieldValidation has no effect on it, and the
// required fields are always checked.
type ParseConfig struct {
	DecimalPlaces         int
	StrictFieldValidation bool
}

// DefaultParseConfig matches config.Default().Parser.
func DefaultParseConfig() ParseConfig {
	return ParseConfig{DecimalPlaces: 18, StrictFieldValidation: true}
}

// Parse runs the six-step tick-parsing pipeline described in §4.2 against a
// single text frame. Every step fails with a distinct *coreerr.Error kind so
// callers can count failures by pipeline stage.
func Parse(frame []byte, cfg ParseConfig) (Tick, error) {
	// Step 1: frame admission.
	if len(frame) == 0 {
		return Tick{}, coreerr.InvalidFrame("empty frame")
	}

	// Step 2: decode as a keyed record.
	var p fastjson.Parser
	val, err := p.ParseBytes(frame)
	if err != nil {
		return Tick{}, coreerr.JSONSyntaxError(err)
	}
	obj, err := val.Object()
	if err != nil {
		return Tick{}, coreerr.InvalidStructure("root value is not a JSON object")
	}

	// Step 3: required-field check.
	symbolV := obj.Get("product_id")
	if symbolV == nil {
		return Tick{}, coreerr.MissingField("product_id")
	}
	symbol, err := symbolV.StringBytes()
	if err != nil {
		return Tick{}, coreerr.TypeMismatch("product_id", "string")
	}
	if len(symbol) == 0 {
		return Tick{}, coreerr.MissingField("product_id")
	}

	priceV := obj.Get("price")
	if priceV == nil {
		return Tick{}, coreerr.MissingField("price")
	}

	tsV := obj.Get("timestamp")
	if tsV == nil {
		return Tick{}, coreerr.MissingField("timestamp")
	}
	tsStr, err := tsV.StringBytes()
	if err != nil {
		return Tick{}, coreerr.TypeMismatch("timestamp", "string")
	}
	if len(tsStr) == 0 {
		return Tick{}, coreerr.MissingField("timestamp")
	}
	ts, err := iso8601.ParseString(string(tsStr))
	if err != nil {
		return Tick{}, coreerr.TypeMismatch("timestamp", "RFC3339-ish string")
	}

	// Step 4: numeric validation. price may arrive as a JSON number or a
	// numeric string; either way the original token text is preserved for
	// the precision-audit field.
	rawPrice, price, err := parsePrice(priceV)
	if err != nil {
		return Tick{}, err
	}
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return Tick{}, coreerr.NumericRule("price", "must be a positive real number")
	}

	// Step 5: precision preservation, bounded by cfg.DecimalPlaces.
	digits := fractionalDigits(rawPrice)
	if digits > cfg.DecimalPlaces {
		digits = cfg.DecimalPlaces
	}

	tick := Tick{
		Symbol:           string(symbol),
		Price:            price,
		RawPrice:         rawPrice,
		FractionalDigits: digits,
		Timestamp:        ts,
	}

	if volV := obj.Get("volume"); volV != nil {
		if v, err := volV.Float64(); err == nil {
			tick.Volume = &v
		} else if s, err := volV.StringBytes(); err == nil {
			if v, err := strconv.ParseFloat(string(s), 64); err == nil {
				tick.Volume = &v
			}
		}
	}
	if exV := obj.Get("exchange"); exV != nil {
		if s, err := exV.StringBytes(); err == nil {
			tick.Exchange = string(s)
		}
	}

	return tick, nil
}

// parsePrice accepts price as a JSON number, integer, or numeric string
// (including scientific notation), returning the original token text
// alongside the parsed value.
func parsePrice(v *fastjson.Value) (raw string, price float64, err *coreerr.Error) {
	switch v.Type() {
	case fastjson.TypeNumber:
		raw = v.String()
		f, convErr := v.Float64()
		if convErr != nil {
			return "", 0, coreerr.NumericRule("price", "not representable as a real number")
		}
		return raw, f, nil
	case fastjson.TypeString:
		s, convErr := v.StringBytes()
		if convErr != nil {
			return "", 0, coreerr.TypeMismatch("price", "numeric or numeric string")
		}
		raw = string(s)
		f, convErr := strconv.ParseFloat(raw, 64)
		if convErr != nil {
			return "", 0, coreerr.NumericRule("price", "not a valid decimal, integer, or scientific-notation number")
		}
		return raw, f, nil
	default:
		return "", 0, coreerr.TypeMismatch("price", "numeric or numeric string")
	}
}

// fractionalDigits counts the digits after the decimal point in a decimal
// token, ignoring an exponent suffix.
func fractionalDigits(raw string) int {
	if i := strings.IndexAny(raw, "eE"); i >= 0 {
		raw = raw[:i]
	}
	dot := strings.IndexByte(raw, '.')
	if dot < 0 {
		return 0
	}
	return len(raw) - dot - 1
}
