package guardian

import (
	"net"
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocatePort_ScansFromDefaultStartWhenEnvUnset(t *testing.T) {
	os.Unsetenv(portEnvVar)
	port, err := AllocatePort()
	require.NoError(t, err)
	require.GreaterOrEqual(t, port, portScanStart)
	require.LessOrEqual(t, port, portScanMax)
}

func TestAllocatePort_HonorsEnvVarWhenFree(t *testing.T) {
	l, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	os.Setenv(portEnvVar, strconv.Itoa(port))
	defer os.Unsetenv(portEnvVar)

	got, err := AllocatePort()
	require.NoError(t, err)
	require.Equal(t, port, got)
}

func TestAllocatePort_ErrorsWhenEnvPortBusy(t *testing.T) {
	l, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	os.Setenv(portEnvVar, strconv.Itoa(port))
	defer os.Unsetenv(portEnvVar)

	_, err = AllocatePort()
	require.Error(t, err)
}
