package symbol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/quant-trader/internal/model"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"aapl.us":                "AAPL",
		" TSLA260130C460000-US ": "TSLA260130C460000",
		".SPX.US":                "SPX",
		"700.HK":                 "700",
		"SBER":                   "SBER",
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), in)
	}
}

func TestParseOption(t *testing.T) {
	opt, ok := ParseOption("QQQ260205P598000.US")
	require.True(t, ok)
	assert.Equal(t, "QQQ", opt.Root)
	assert.Equal(t, model.OptionPut, opt.Right)
	assert.InDelta(t, 598.0, opt.Strike, 1e-9)
	assert.Equal(t, "2026-02-05", opt.Expiry.Format(time.DateOnly))

	_, ok = ParseOption("AAPL.US")
	assert.False(t, ok)
}

func TestUnderlying(t *testing.T) {
	assert.Equal(t, "SPX", Underlying("SPXW260126P05000000.US"))
	assert.Equal(t, "SPX", Underlying(".SPX.US"))
	assert.Equal(t, "NDX", Underlying("NDXP"))
	assert.Equal(t, "AAPL", Underlying("aapl.us"))
	assert.Equal(t, "TSLA", Underlying("TSLA260130C460000"))
}

func TestMatches(t *testing.T) {
	cases := []struct {
		name                      string
		nominal, traded, position string
		want                      bool
	}{
		{"case and suffix", "AAPL", "", "aapl.US", true},
		{"different stock", "AAPL", "", "MSFT.US", false},
		{"exact traded contract", "QQQ", "QQQ260205P598000.US", "QQQ260205P598000", true},
		{"other contract same root", "QQQ", "QQQ260205P598000", "QQQ260205C600000", false},
		{"underlying-level instance holds contract", "QQQ.US", "", "QQQ260205P598000.US", true},
		{"index alias root", "SPX", "", "SPXW260126P05000000.US", true},
		{"alias does not cross indexes", "SPX", "", "NDXP260126P05000000", false},
		{"empty position", "AAPL", "", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Matches(tc.nominal, tc.traded, tc.position))
		})
	}
}

func TestExpiresOn(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	day := time.Date(2026, 1, 30, 15, 10, 0, 0, ny)
	assert.True(t, ExpiresOn("TSLA260130C460000.US", day))
	assert.False(t, ExpiresOn("TSLA260131C460000.US", day))
	assert.False(t, ExpiresOn("TSLA.US", day))
}
