package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/switchyard/api/v1alpha1"
)

func TestParseRecords(t *testing.T) {
	xe := `uuid ( RO)           : 6f1c7f0e-1d7e-4b5a-9a63-1ad0c1a0f001
     name-label ( RW): web01
    power-state ( RO): running


uuid ( RO)           : 6f1c7f0e-1d7e-4b5a-9a63-1ad0c1a0f002
     name-label ( RW): db01
    power-state ( RO): halted
`
	records, err := ParseRecords(xe)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "web01", records[0]["name-label"])
	assert.Equal(t, "halted", records[1]["power-state"])

	ovirt := "id            : 1\nname          : web01\nstatus-state  : up\nid            : 2\nname          : db01\n"
	records, err = ParseRecords(ovirt)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "db01", records[1]["name"])
	_, hasState := records[1]["status-state"]
	assert.False(t, hasState)

	records, err = ParseRecords("\n\n")
	require.NoError(t, err)
	assert.Empty(t, records)

	_, err = ParseRecords("Segmentation fault\n")
	var f *v1alpha1.Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, v1alpha1.ErrParseError, f.Kind)
}
