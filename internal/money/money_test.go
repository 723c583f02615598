package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in    string
		cur   Currency
		minor int64
		out   string
	}{
		{"100.00", PLN, 10000, "100.00"},
		{"100", PLN, 10000, "100.00"},
		{"0.01", PLN, 1, "0.01"},
		{"0.1", PLN, 10, "0.10"},
		{"-5.25", EUR, -525, "-5.25"},
		{"0", USD, 0, "0.00"},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in, tt.cur)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.minor, got, tt.in)
		assert.Equal(t, tt.out, Format(got, tt.cur), tt.in)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "abc", "1.2.3", "1.234", "12,00"} {
		_, err := Parse(in, PLN)
		assert.Error(t, err, in)
	}
}

func TestPercentBpsHalfUp(t *testing.T) {
	// 10% of 100.00 PLN
	assert.Equal(t, int64(1000), PercentBps(10000, 1000))
	// 8.5% of 0.01 -> 0.000085, rounds to 0.00
	assert.Equal(t, int64(0), PercentBps(1, 850))
	// 5% of 0.10 -> 0.005, half-up to 0.01
	assert.Equal(t, int64(1), PercentBps(10, 500))
	// 33.33% of 1.00 -> 0.3333 rounds to 0.33
	assert.Equal(t, int64(33), PercentBps(100, 3333))
	assert.Equal(t, int64(0), PercentBps(0, 1000))
	assert.Equal(t, int64(0), PercentBps(-50, 1000))
}

func TestShareOf(t *testing.T) {
	// 10.00 commission on a 100.00 line, 30.00 refunded -> 3.00 of the fee.
	assert.Equal(t, int64(300), ShareOf(1000, 3000, 10000))
	// Half-up: 1.00 fee, 1/3 refunded -> 0.33.
	assert.Equal(t, int64(33), ShareOf(100, 1, 3))
	// Refunding everything takes the whole fee.
	assert.Equal(t, int64(1000), ShareOf(1000, 10000, 10000))
	assert.Equal(t, int64(0), ShareOf(0, 50, 100))
	assert.Equal(t, int64(0), ShareOf(100, 0, 100))
}

func TestSplitProportionalExact(t *testing.T) {
	parts := SplitProportional(100, []int64{1, 1, 1})
	assert.Equal(t, int64(100), parts[0]+parts[1]+parts[2])

	parts = SplitProportional(10000, []int64{9000, 500, 500})
	assert.Equal(t, []int64{9000, 500, 500}, parts)

	// Remainder goes to the largest weight.
	parts = SplitProportional(101, []int64{2, 1})
	assert.Equal(t, int64(101), parts[0]+parts[1])
	assert.Equal(t, int64(68), parts[0])

	parts = SplitProportional(50, []int64{0, 1})
	assert.Equal(t, []int64{0, 50}, parts)
}

func TestSplitProportionalDegenerate(t *testing.T) {
	assert.Equal(t, []int64{0, 0}, SplitProportional(0, []int64{1, 1}))
	assert.Equal(t, []int64{0}, SplitProportional(10, []int64{0}))
	assert.Empty(t, SplitProportional(10, nil))
}

func TestCurrencyExponent(t *testing.T) {
	assert.Equal(t, 2, PLN.Exponent())
	assert.Equal(t, 0, Currency("JPY").Exponent())
	assert.True(t, PLN.Valid())
	assert.False(t, Currency("pln").Valid())
	assert.False(t, Currency("ZLOTY").Valid())
}
