package marketdata

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/exchangecore/connector/coreerr"
)

func TestMarketdata(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "marketdata suite")
}

var _ = Describe("Parse", func() {
	cfg := DefaultParseConfig()

	It("rejects an empty frame as InvalidFrame", func() {
		_, err := Parse(nil, cfg)
		e, ok := coreerr.As(err)
		Expect(ok).To(BeTrue())
		Expect(e.Code).To(Equal("ERR_INVALID_FRAME"))
	})

	It("rejects malformed JSON as JsonSyntaxError", func() {
		_, err := Parse([]byte(`{not json`), cfg)
		e, ok := coreerr.As(err)
		Expect(ok).To(BeTrue())
		Expect(e.Code).To(Equal("ERR_JSON_SYNTAX"))
	})

	It("rejects a non-object root as InvalidStructure", func() {
		_, err := Parse([]byte(`[1,2,3]`), cfg)
		e, ok := coreerr.As(err)
		Expect(ok).To(BeTrue())
		Expect(e.Code).To(Equal("ERR_INVALID_STRUCTURE"))
	})

	It("rejects a missing required field", func() {
		_, err := Parse([]byte(`{"price": "100.5", "timestamp": "2024-01-01T00:00:00Z"}`), cfg)
		e, ok := coreerr.As(err)
		Expect(ok).To(BeTrue())
		Expect(e.Code).To(Equal("ERR_MISSING_FIELD"))
	})

	It("rejects a non-positive price as NumericRule", func() {
		_, err := Parse([]byte(`{"product_id":"BTC-USD","price":"-1","timestamp":"2024-01-01T00:00:00Z"}`), cfg)
		e, ok := coreerr.As(err)
		Expect(ok).To(BeTrue())
		Expect(e.Code).To(Equal("ERR_NUMERIC_RULE"))
	})

	It("rejects a non-finite price string as NumericRule", func() {
		for _, raw := range []string{"NaN", "Inf", "+Inf", "-Infinity"} {
			_, err := Parse([]byte(`{"product_id":"BTC-USD","price":"`+raw+`","timestamp":"2024-01-01T00:00:00Z"}`), cfg)
			e, ok := coreerr.As(err)
			Expect(ok).To(BeTrue())
			Expect(e.Code).To(Equal("ERR_NUMERIC_RULE"))
		}
	})

	It("parses a JSON-number price and preserves its textual precision (S5)", func() {
		tick, err := Parse([]byte(`{"product_id":"BTC-USD","price":63201.123456789012,"timestamp":"2024-01-01T00:00:00Z"}`), cfg)
		Expect(err).NotTo(HaveOccurred())
		Expect(tick.Symbol).To(Equal("BTC-USD"))
		Expect(tick.FractionalDigits).To(BeNumerically(">", 0))
	})

	It("parses a numeric-string price in scientific notation", func() {
		tick, err := Parse([]byte(`{"product_id":"ETH-USD","price":"1.5e3","timestamp":"2024-01-01T00:00:00Z"}`), cfg)
		Expect(err).NotTo(HaveOccurred())
		Expect(tick.Price).To(Equal(1500.0))
		Expect(tick.RawPrice).To(Equal("1.5e3"))
	})

	It("bounds fractional digits at the configured maximum", func() {
		tight := ParseConfig{DecimalPlaces: 4, StrictFieldValidation: true}
		tick, err := Parse([]byte(`{"product_id":"BTC-USD","price":"100.123456789","timestamp":"2024-01-01T00:00:00Z"}`), tight)
		Expect(err).NotTo(HaveOccurred())
		Expect(tick.FractionalDigits).To(Equal(4))
	})

	It("accepts optional volume and exchange fields", func() {
		tick, err := Parse([]byte(`{"product_id":"BTC-USD","price":"100","timestamp":"2024-01-01T00:00:00Z","volume":"2.5","exchange":"coinbase"}`), cfg)
		Expect(err).NotTo(HaveOccurred())
		Expect(*tick.Volume).To(Equal(2.5))
		Expect(tick.Exchange).To(Equal("coinbase"))
	})

	It("tolerates the fractional-second RFC3339-ish timestamp variants iso8601 accepts", func() {
		tick, err := Parse([]byte(`{"product_id":"BTC-USD","price":"100","timestamp":"2024-01-01T00:00:00.123456Z"}`), cfg)
		Expect(err).NotTo(HaveOccurred())
		Expect(tick.Timestamp.IsZero()).To(BeFalse())
	})
})
