package sequence

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatCode(t *testing.T) {
	require.Equal(t, "CMP-261019-001AB", FormatCode(PrefixCampaign, "261019", 1, "AB"))
	require.Equal(t, "TXN-261019-0ZZQ", FormatCode(PrefixTransaction, "261019", 1295, "Q"))
	require.Equal(t, "TXN-261019-1000", FormatCode(PrefixTransaction, "261019", 46656, ""))
}

func TestRandomAlphaNumeric(t *testing.T) {
	s, err := randomAlphaNumeric(8)
	require.NoError(t, err)
	require.Len(t, s, 8)
	require.NotContains(t, s, "0")
	require.NotContains(t, s, "O")
}
