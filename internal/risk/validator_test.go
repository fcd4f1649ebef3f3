package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fp(v float64) *float64 { return &v }

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		sl     *float64
		lev    int
		max    float64
		wantOK bool
	}{
		{"over the limit", fp(5), 10, 30, false},
		{"exactly at the limit", fp(3), 10, 30, true},
		{"under the limit", fp(2), 10, 30, true},
		{"nil stop-loss is unconstrained", nil, 10, 30, true},
		{"zero leverage is unconstrained", fp(5), 0, 30, true},
		{"zero limit is unconstrained", fp(5), 10, 0, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, msg := Validate(tc.sl, tc.lev, tc.max)
			assert.Equal(t, tc.wantOK, ok)
			if !tc.wantOK {
				assert.NotEmpty(t, msg)
			}
		})
	}
}

func TestAutoAdjustSL(t *testing.T) {
	// 5% sl at 10x = 50% risk against a 30% cap: clamp to 30/10 = 3%.
	adjusted := AutoAdjustSL(fp(5), 10, 30)
	require.NotNil(t, adjusted)
	assert.InDelta(t, 3.0, *adjusted, 1e-9)

	ok, _ := Validate(adjusted, 10, 30)
	assert.True(t, ok, "adjusted stop-loss must satisfy the limit")

	// Already valid input comes back unchanged.
	sl := fp(2)
	assert.Same(t, sl, AutoAdjustSL(sl, 10, 30))

	// Unconstrained input comes back unchanged too.
	assert.Nil(t, AutoAdjustSL(nil, 10, 30))
}

func TestParsePolicy(t *testing.T) {
	assert.Equal(t, PolicyReject, ParsePolicy("reject"))
	assert.Equal(t, PolicyReject, ParsePolicy(" REJECT "))
	assert.Equal(t, PolicyAutoAdjust, ParsePolicy("adjust"))
	assert.Equal(t, PolicyAutoAdjust, ParsePolicy(""))
	assert.Equal(t, PolicyAutoAdjust, ParsePolicy("nonsense"))
}
