package shares

import (
	"math/big"
	"math/rand"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// u is a test helper that parses a decimal string into a uint256. Panics on failure, for test setup only.
func u(s string) *uint256.Int {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		panic(err)
	}
	return v
}

func maxUint256() *uint256.Int {
	return new(uint256.Int).SetAllOne()
}

func TestToAmount(t *testing.T) {
	testCases := []struct {
		name        string
		shares      *uint256.Int
		totalAmount *uint256.Int
		totalShares *uint256.Int
		expected    *uint256.Int
		expectErr   error
	}{
		{
			name:        "Zero shares yield zero",
			shares:      uint256.NewInt(0),
			totalAmount: u("1000000000000000000000"),
			totalShares: u("900000000000000000000"),
			expected:    uint256.NewInt(0),
		},
		{
			name:        "Zero total shares yield zero",
			shares:      uint256.NewInt(500),
			totalAmount: uint256.NewInt(1000),
			totalShares: uint256.NewInt(0),
			expected:    uint256.NewInt(0),
		},
		{
			name:        "Owner of every share recovers the whole pool",
			shares:      u("123456789012345678901234"),
			totalAmount: u("130000000000000000000001"),
			totalShares: u("123456789012345678901234"),
			expected:    u("130000000000000000000001"),
		},
		{
			name:        "Division truncates toward zero",
			shares:      uint256.NewInt(1),
			totalAmount: uint256.NewInt(2),
			totalShares: uint256.NewInt(3),
			expected:    uint256.NewInt(0),
		},
		{
			name:        "Pool with accrued yield",
			shares:      uint256.NewInt(100),
			totalAmount: uint256.NewInt(1050),
			totalShares: uint256.NewInt(1000),
			expected:    uint256.NewInt(105),
		},
		{
			name:        "Billion-unit 18-decimal balances",
			shares:      u("1000000000000000000000000000"),
			totalAmount: u("2000000000000000000000000000"),
			totalShares: u("1500000000000000000000000000"),
			expected:    u("1333333333333333333333333333"),
		},
		{
			name:        "Intermediate product wider than 256 bits",
			shares:      maxUint256(),
			totalAmount: maxUint256(),
			totalShares: maxUint256(),
			expected:    maxUint256(),
		},
		{
			name:        "Result wider than 256 bits",
			shares:      maxUint256(),
			totalAmount: uint256.NewInt(2),
			totalShares: uint256.NewInt(1),
			expectErr:   ErrOverflow,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ToAmount(tc.shares, tc.totalAmount, tc.totalShares)
			if tc.expectErr != nil {
				require.ErrorIs(t, err, tc.expectErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected.Dec(), got.Dec())
		})
	}
}

func TestToAmountDoesNotMutateInputs(t *testing.T) {
	shares, totalAmount, totalShares := uint256.NewInt(7), uint256.NewInt(11), uint256.NewInt(13)
	_, err := ToAmount(shares, totalAmount, totalShares)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), shares.Uint64())
	assert.Equal(t, uint64(11), totalAmount.Uint64())
	assert.Equal(t, uint64(13), totalShares.Uint64())
}

func TestToAmountMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	totalAmount := u("987654321987654321987654321")
	totalShares := u("876543210876543210876543210")

	for i := 0; i < 1000; i++ {
		s1 := new(uint256.Int).Mod(uint256.NewInt(rng.Uint64()), totalShares)
		s2 := new(uint256.Int).Add(s1, uint256.NewInt(uint64(rng.Intn(1_000_000))))

		a1, err := ToAmount(s1, totalAmount, totalShares)
		require.NoError(t, err)
		a2, err := ToAmount(s2, totalAmount, totalShares)
		require.NoError(t, err)
		require.False(t, a2.Lt(a1), "amount decreased: shares %s -> %s gave %s -> %s", s1, s2, a1, a2)
	}
}

func TestToAmountNeverExceedsEntitlement(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		totalShares := uint256.NewInt(rng.Uint64()%1_000_000_000 + 1)
		totalAmount := uint256.NewInt(rng.Uint64() % 1_000_000_000)
		shares := new(uint256.Int).Mod(uint256.NewInt(rng.Uint64()), new(uint256.Int).AddUint64(totalShares, 1))

		amount, err := ToAmount(shares, totalAmount, totalShares)
		require.NoError(t, err)

		// amount * totalShares <= shares * totalAmount, checked exactly in big.Int.
		lhs := new(big.Int).Mul(amount.ToBig(), totalShares.ToBig())
		rhs := new(big.Int).Mul(shares.ToBig(), totalAmount.ToBig())
		require.True(t, lhs.Cmp(rhs) <= 0)
	}
}

func TestToShare(t *testing.T) {
	testCases := []struct {
		name        string
		amount      *uint256.Int
		totalAmount *uint256.Int
		totalShares *uint256.Int
		roundUp     bool
		expected    *uint256.Int
	}{
		{"Zero amount", uint256.NewInt(0), uint256.NewInt(10), uint256.NewInt(10), false, uint256.NewInt(0)},
		{"Empty pool mints at par", uint256.NewInt(42), uint256.NewInt(0), uint256.NewInt(0), false, uint256.NewInt(42)},
		{"Floor", uint256.NewInt(10), uint256.NewInt(3), uint256.NewInt(2), false, uint256.NewInt(6)},
		{"Round up", uint256.NewInt(10), uint256.NewInt(3), uint256.NewInt(2), true, uint256.NewInt(7)},
		{"Round up on exact division is a no-op", uint256.NewInt(10), uint256.NewInt(5), uint256.NewInt(5), true, uint256.NewInt(10)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ToShare(tc.amount, tc.totalAmount, tc.totalShares, tc.roundUp)
			require.NoError(t, err)
			assert.Equal(t, tc.expected.Dec(), got.Dec())
		})
	}
}

func TestRoundTripLosesAtMostOneUnit(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 2000; i++ {
		// Pools that have accrued yield hold at least one unit per share.
		totalShares := new(uint256.Int).Mul(uint256.NewInt(rng.Uint64()%1_000_000_000+1), u("1000000000000000000"))
		extra := new(uint256.Int).Mul(uint256.NewInt(rng.Uint64()%1_000_000_000), uint256.NewInt(rng.Uint64()%1_000_000_000+1))
		totalAmount := new(uint256.Int).Add(totalShares, extra)
		r := Rebase{Elastic: totalAmount, Base: totalShares}

		s := u(new(big.Int).Rand(rng, totalShares.ToBig()).String())

		amount, err := r.ToAmount(s)
		require.NoError(t, err)

		for _, roundUp := range []bool{false, true} {
			back, err := r.ToShare(amount, roundUp)
			require.NoError(t, err)

			diff := new(uint256.Int)
			if back.Lt(s) {
				diff.Sub(s, back)
			} else {
				diff.Sub(back, s)
			}
			require.True(t, diff.Cmp(uint256.NewInt(1)) <= 0, "round trip of %s shares drifted by %s (roundUp=%v)", s, diff, roundUp)
		}
	}
}

func TestRebase(t *testing.T) {
	t.Run("Zero value behaves as an empty pool", func(t *testing.T) {
		var r Rebase
		amount, err := r.ToAmount(uint256.NewInt(100))
		require.NoError(t, err)
		assert.True(t, amount.IsZero())
	})

	t.Run("From ABI totals", func(t *testing.T) {
		r, err := RebaseFromBig(big.NewInt(2000), big.NewInt(1000))
		require.NoError(t, err)
		amount, err := r.ToAmount(uint256.NewInt(10))
		require.NoError(t, err)
		assert.Equal(t, uint64(20), amount.Uint64())
	})

	t.Run("Negative totals are rejected", func(t *testing.T) {
		_, err := RebaseFromBig(big.NewInt(-1), big.NewInt(1000))
		assert.ErrorIs(t, err, ErrOutOfRange)
	})
}

func TestToAmountBig(t *testing.T) {
	t.Run("Converts", func(t *testing.T) {
		got, err := ToAmountBig(big.NewInt(50), big.NewInt(300), big.NewInt(100))
		require.NoError(t, err)
		assert.Equal(t, 0, big.NewInt(150).Cmp(got))
	})

	t.Run("Nil shares are zero", func(t *testing.T) {
		got, err := ToAmountBig(nil, big.NewInt(300), big.NewInt(100))
		require.NoError(t, err)
		assert.Equal(t, 0, got.Sign())
	})

	t.Run("Inputs wider than 256 bits are rejected", func(t *testing.T) {
		tooWide := new(big.Int).Lsh(big.NewInt(1), 256)
		_, err := ToAmountBig(tooWide, big.NewInt(1), big.NewInt(1))
		assert.ErrorIs(t, err, ErrOutOfRange)
	})
}
