package ingest

import (
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// knownBrands is matched in order, so sub-brands that contain the parent
// name still resolve to the first listed brand.
var knownBrands = []string{
	"Dell", "HP", "Lenovo", "Asus", "Acer", "Apple", "MSI", "Razer",
	"Microsoft", "Samsung", "Huawei", "LG", "Toshiba", "Sony", "Fujitsu",
	"Alienware", "ThinkPad", "MacBook",
}

var currencyAliases = map[string]string{
	"KSH":  "KES",
	"KSHS": "KES",
	"KSH.": "KES",
	"/=":   "KES",
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func normalizeURL(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		return "https://" + s
	}
	return s
}

// parsePrice extracts a numeric amount from price text such as "KES 75,000".
// Plain numerals, including exponent forms like 1e5, are parsed as is. A
// leading minus survives so negative amounts are detectable.
func parsePrice(text string) (decimal.Decimal, bool) {
	if amount, err := decimal.NewFromString(strings.TrimSpace(text)); err == nil {
		return amount, true
	}
	var b strings.Builder
	for _, r := range text {
		switch {
		case unicode.IsDigit(r), r == '.', r == '-':
			b.WriteRune(r)
		}
	}
	cleaned := strings.Trim(b.String(), ".")
	if cleaned == "" || cleaned == "-" {
		return decimal.Decimal{}, false
	}
	amount, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return amount, true
}

func deriveBrand(name string) string {
	lower := strings.ToLower(name)
	for _, brand := range knownBrands {
		if strings.Contains(lower, strings.ToLower(brand)) {
			return brand
		}
	}
	return ""
}

func normalize(obs RawObservation) RawObservation {
	out := obs
	out.Platform = strings.ToLower(cleanText(obs.Platform))
	out.URL = normalizeURL(obs.URL)
	out.ProductName = cleanText(obs.ProductName)
	out.Price = RawPrice(strings.TrimSpace(string(obs.Price)))
	out.OriginalPrice = RawPrice(strings.TrimSpace(string(obs.OriginalPrice)))
	out.Currency = strings.ToUpper(strings.TrimSpace(obs.Currency))
	out.Brand = cleanText(obs.Brand)
	out.Model = cleanText(obs.Model)
	out.ImageURL = strings.TrimSpace(obs.ImageURL)
	out.Processor = cleanText(obs.Processor)
	out.RAM = cleanText(obs.RAM)
	out.Storage = cleanText(obs.Storage)
	out.ScreenSize = cleanText(obs.ScreenSize)
	out.Graphics = cleanText(obs.Graphics)
	out.OperatingSystem = cleanText(obs.OperatingSystem)
	out.Condition = cleanText(obs.Condition)
	out.Availability = cleanText(obs.Availability)
	if len(obs.Specs) > 0 {
		out.Specs = make(map[string]any, len(obs.Specs))
		for k, v := range obs.Specs {
			out.Specs[k] = v
		}
	}
	return out
}
