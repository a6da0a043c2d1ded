package cryptonote

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/x-vinnci/saferun-core-sub001/crypto"
	"github.com/x-vinnci/saferun-core-sub001/protocol/params"
)

func TestDecodeGovernanceAddresses(t *testing.T) {
	tests := []struct {
		net   params.NetType
		addr  string
		spend string
		view  string
	}{
		{
			net:   params.Mainnet,
			addr:  params.Config(params.Mainnet).GovernanceWalletAddress[0],
			spend: "c10846b8b3476f4c62187868414452c64eede82cd12f49b4451c3b2c87ed33dc",
			view:  "6128d62b292c37795c83c79e32427adf125ad1daac141e1163813fdd277cf2d7",
		},
		{
			net:   params.Testnet,
			addr:  params.Config(params.Testnet).GovernanceWalletAddress[0],
			spend: "c1477ccc2c9f9b6e68c3917ba66e804cabc25c1922a1d485e150f375605ca1f1",
			view:  "8e497ab8ea36d0ec2903065437479ea254bc677d3ad6f06a6cd072af11bd9cbe",
		},
	}
	for _, tt := range tests {
		t.Run(tt.net.String(), func(t *testing.T) {
			a, err := DecodeAddress(tt.net, tt.addr)
			require.NoError(t, err)
			require.Equal(t, tt.spend, a.Spend.String())
			require.Equal(t, tt.view, a.View.String())
			require.False(t, a.IsSubaddress)
			require.Nil(t, a.PaymentID)

			require.Equal(t, tt.addr, EncodeAddress(tt.net, a))
		})
	}
}

func TestDecodeAddressRejects(t *testing.T) {
	good := params.Config(params.Mainnet).GovernanceWalletAddress[0]

	_, err := DecodeAddress(params.Testnet, good)
	require.ErrorIs(t, err, ErrInvalidAddress, "wrong network prefix")

	bad := []byte(good)
	if bad[20] == 'a' {
		bad[20] = 'b'
	} else {
		bad[20] = 'a'
	}
	_, err = DecodeAddress(params.Mainnet, string(bad))
	require.ErrorIs(t, err, ErrInvalidAddress, "checksum")

	_, err = DecodeAddress(params.Mainnet, good[:len(good)-1])
	require.ErrorIs(t, err, ErrInvalidAddress, "length")

	_, err = DecodeAddress(params.Mainnet, "0OIl")
	require.ErrorIs(t, err, ErrInvalidAddress, "alphabet")
}

func TestIntegratedAndSubaddressRoundTrip(t *testing.T) {
	base, err := DecodeAddress(params.Mainnet, params.Config(params.Mainnet).GovernanceWalletAddress[1])
	require.NoError(t, err)

	pid := crypto.ShortHash{1, 2, 3, 4, 5, 6, 7, 8}
	integrated := base
	integrated.PaymentID = &pid
	s := EncodeAddress(params.Mainnet, integrated)
	back, err := DecodeAddress(params.Mainnet, s)
	require.NoError(t, err)
	require.Equal(t, integrated, back)

	sub := base
	sub.IsSubaddress = true
	back, err = DecodeAddress(params.Mainnet, EncodeAddress(params.Mainnet, sub))
	require.NoError(t, err)
	require.True(t, back.IsSubaddress)
}

func TestBase58RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 0, 80).Draw(t, "data")
		enc := Base58Encode(data)
		dec, err := Base58Decode(enc)
		if err != nil {
			t.Fatalf("decode %q: %v", enc, err)
		}
		if string(dec) != string(data) {
			t.Fatalf("round trip mismatch: %x != %x", dec, data)
		}
	})
}

func TestNextPayoutHeight(t *testing.T) {
	var a Address
	a.View[0] = 7 // modulus 7 for any interval > 7

	require.Equal(t, uint64(7), a.Modulus(20))
	require.Equal(t, uint64(7), a.NextPayoutHeight(0, 20))
	require.Equal(t, uint64(7), a.NextPayoutHeight(7, 20))
	require.Equal(t, uint64(27), a.NextPayoutHeight(8, 20))
	require.Equal(t, uint64(107), a.NextPayoutHeight(100, 20))
	require.Equal(t, uint64(107), a.NextPayoutHeight(107, 20))

	rapid.Check(t, func(t *rapid.T) {
		var addr Address
		copy(addr.View[:8], rapid.SliceOfN(rapid.Byte(), 8, 8).Draw(t, "view"))
		h := rapid.Uint64Range(0, 1<<40).Draw(t, "h")
		interval := rapid.Uint64Range(1, 10_000).Draw(t, "interval")

		next := addr.NextPayoutHeight(h, interval)
		if next < h || next-h >= interval {
			t.Fatalf("next %d outside [%d, %d)", next, h, h+interval)
		}
		if next%interval != addr.Modulus(interval) {
			t.Fatalf("next %d not in slot %d", next, addr.Modulus(interval))
		}
	})
}
