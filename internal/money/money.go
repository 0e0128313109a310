package money

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

// SompiPerKAS is the number of smallest units (sompi) in one KAS.
const SompiPerKAS = 100_000_000

// MaxDecimals is the fractional precision of a KAS amount string.
const MaxDecimals = 8

// kasAmountPattern matches the accepted KAS decimal-string format:
// an integer part and up to eight fractional digits.
var kasAmountPattern = regexp.MustCompile(`^\d+(\.\d{1,8})?$`)

var sompiPerKAS = big.NewInt(SompiPerKAS)

// KASToSompi converts a KAS decimal string to sompi. Amounts are kept as
// big.Int end to end so 128-bit-safe values survive storage round trips.
func KASToSompi(kas string) (*big.Int, error) {
	kas = strings.TrimSpace(kas)
	if !kasAmountPattern.MatchString(kas) {
		return nil, fmt.Errorf("money: invalid KAS amount %q", kas)
	}

	intPart := kas
	fracPart := ""
	if i := strings.IndexByte(kas, '.'); i >= 0 {
		intPart = kas[:i]
		fracPart = kas[i+1:]
	}
	// Right-pad the fraction to exactly eight digits so "1.5" becomes 150000000.
	fracPart += strings.Repeat("0", MaxDecimals-len(fracPart))

	whole, ok := new(big.Int).SetString(intPart, 10)
	if !ok {
		return nil, fmt.Errorf("money: invalid KAS integer part %q", intPart)
	}
	frac, ok := new(big.Int).SetString(fracPart, 10)
	if !ok {
		return nil, fmt.Errorf("money: invalid KAS fractional part %q", fracPart)
	}

	total := new(big.Int).Mul(whole, sompiPerKAS)
	return total.Add(total, frac), nil
}

// SompiToKAS converts a sompi amount to its canonical KAS decimal string:
// no trailing fractional zeros and no dangling decimal point.
func SompiToKAS(sompi *big.Int) string {
	if sompi == nil || sompi.Sign() == 0 {
		return "0"
	}

	quo, rem := new(big.Int).QuoRem(sompi, sompiPerKAS, new(big.Int))
	if rem.Sign() == 0 {
		return quo.String()
	}

	frac := fmt.Sprintf("%08d", rem)
	frac = strings.TrimRight(frac, "0")
	return quo.String() + "." + frac
}

// ParseSompi parses a stored decimal string of smallest units.
func ParseSompi(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("money: empty sompi amount")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("money: invalid sompi amount %q", s)
	}
	return v, nil
}

// FormatSompi renders a sompi amount as a decimal string for storage and JSON.
func FormatSompi(sompi *big.Int) string {
	if sompi == nil {
		return "0"
	}
	return sompi.String()
}
