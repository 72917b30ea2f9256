package launch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassLeadTimesAndPriority(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 24*time.Hour, Class24h.LeadTime())
	assert.Equal(t, 5*time.Minute, Class5m.LeadTime())
	assert.Zero(t, ClassLaunchCheck.LeadTime())

	assert.Greater(t, Class24h.Priority(), Class12h.Priority())
	assert.Greater(t, Class5m.Priority(), ClassLaunchCheck.Priority())

	for _, c := range []Class{Class24h, Class12h, Class1h, Class5m, ClassPostpone, ClassLaunchCheck} {
		got, err := ParseClass(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
}

func TestFlagsEncodeDecode(t *testing.T) {
	t.Parallel()

	f := Flags{true, false, true, false}
	assert.Equal(t, "1,0,1,0", f.Encode())

	got, err := DecodeFlags("1,0,1,0")
	require.NoError(t, err)
	assert.Equal(t, f, got)
	assert.Equal(t, []Class{Class24h, Class1h}, got.Classes())

	_, err = DecodeFlags("1,0")
	assert.Error(t, err)
}

func TestReceiptsRoundTripKeepsOrder(t *testing.T) {
	t.Parallel()

	rs := []Receipt{{ChatID: -100123, MessageID: 7}, {ChatID: 42, MessageID: 9}, {ChatID: -100123, MessageID: 7}}
	enc := EncodeReceipts(rs)
	assert.Equal(t, "-100123:7,42:9", enc)

	got, err := DecodeReceipts(enc + ",junk")
	assert.Error(t, err)
	assert.Equal(t, rs[:2], got)
}

func TestStatusParsing(t *testing.T) {
	t.Parallel()

	cases := map[string]Status{
		"Go":              StatusGo,
		"In Flight":       StatusFlying,
		"Partial Failure": StatusPartialFailure,
		"success":         StatusSuccess,
		"weird":           StatusTBD,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseStatus(in), in)
	}
	assert.True(t, StatusPartialFailure.Launched())
	assert.False(t, StatusFlying.Launched())
}

func TestRecipientFollows(t *testing.T) {
	t.Parallel()

	all := Recipient{ProviderAllow: []string{AllProviders}, ProviderDeny: []string{"Rocket Lab"}}
	assert.True(t, all.Follows("SpaceX"))
	assert.False(t, all.Follows("Rocket Lab"))

	one := Recipient{ProviderAllow: []string{"spacex"}}
	assert.True(t, one.Follows("SpaceX"))
	assert.False(t, one.Follows("ULA"))
	assert.False(t, one.Follows(""))
}
