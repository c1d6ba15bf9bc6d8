package transfer

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, afs afero.Fs, name string, data []byte) {
	t.Helper()
	require.NoError(t, afero.WriteFile(afs, name, data, 0o644))
}

func TestPath(t *testing.T) {
	p := NewPath("/usb/dir/../benchy.gcode")

	assert.Equal(t, "/usb/benchy.gcode", p.Destination())
	assert.Equal(t, "/usb/benchy.gcode/partial", p.Partial())
	assert.Equal(t, "/usb/benchy.gcode/backup", p.Backup())
	assert.Equal(t, "/usb/.transfer-benchy.gcode.tmp", p.temporary())
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, afs afero.Fs)
		want  CheckResult
	}{
		{
			name:  "missing",
			setup: func(*testing.T, afero.Fs) {},
			want:  CheckInvalid,
		},
		{
			name: "plain file",
			setup: func(t *testing.T, afs afero.Fs) {
				writeFile(t, afs, "/usb/a.gcode", []byte("G28"))
			},
			want: CheckInvalid,
		},
		{
			name: "directory without partial file",
			setup: func(t *testing.T, afs afero.Fs) {
				require.NoError(t, afs.MkdirAll("/usb/a.gcode", 0o777))
				writeFile(t, afs, "/usb/a.gcode/backup", []byte("x"))
			},
			want: CheckInvalid,
		},
		{
			name: "running",
			setup: func(t *testing.T, afs afero.Fs) {
				writeFile(t, afs, "/usb/a.gcode/partial", make([]byte, 10))
				writeFile(t, afs, "/usb/a.gcode/backup", []byte("x"))
			},
			want: CheckRunning,
		},
		{
			name: "aborted",
			setup: func(t *testing.T, afs afero.Fs) {
				writeFile(t, afs, "/usb/a.gcode/partial", make([]byte, 10))
				writeFile(t, afs, "/usb/a.gcode/backup", nil)
			},
			want: CheckAborted,
		},
		{
			name: "finished",
			setup: func(t *testing.T, afs afero.Fs) {
				writeFile(t, afs, "/usb/a.gcode/partial", make([]byte, 10))
			},
			want: CheckFinished,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			afs := afero.NewMemMapFs()
			tt.setup(t, afs)

			assert.Equal(t, tt.want, Check(afs, "/usb/a.gcode"))
		})
	}
}

func TestFinalize(t *testing.T) {
	afs := afero.NewMemMapFs()
	writeFile(t, afs, "/usb/a.gcode/partial", []byte("G28\nG1 X10\n"))
	writeFile(t, afs, "/usb/a.gcode/backup", []byte("backup"))

	require.NoError(t, Finalize(afs, NewPath("/usb/a.gcode")))

	data, err := afero.ReadFile(afs, "/usb/a.gcode")
	require.NoError(t, err)
	assert.Equal(t, "G28\nG1 X10\n", string(data))

	exists, err := afero.Exists(afs, "/usb/.transfer-a.gcode.tmp")
	require.NoError(t, err)
	assert.False(t, exists)

	assert.Equal(t, CheckInvalid, Check(afs, "/usb/a.gcode"))
}

func TestFinalize_MissingPartial(t *testing.T) {
	afs := afero.NewMemMapFs()
	require.NoError(t, afs.MkdirAll("/usb/a.gcode", 0o777))

	err := Finalize(afs, NewPath("/usb/a.gcode"))

	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "finalize", storageErr.Operation)
}

func TestRemoveAborted(t *testing.T) {
	afs := afero.NewMemMapFs()
	writeFile(t, afs, "/usb/a.gcode/partial", make([]byte, 10))
	writeFile(t, afs, "/usb/a.gcode/backup", nil)

	require.NoError(t, RemoveAborted(afs, NewPath("/usb/a.gcode")))

	exists, err := afero.Exists(afs, "/usb/a.gcode")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestIndex(t *testing.T) {
	afs := afero.NewMemMapFs()

	paths, err := ReadIndex(afs, "/var/transfers.idx")
	require.NoError(t, err)
	assert.Empty(t, paths)

	for _, dest := range []string{"/usb/a.gcode", "/usb/b.bgcode", "/usb/a.gcode"} {
		require.NoError(t, StoreIndex(afs, "/var/transfers.idx", dest))
	}

	paths, err = ReadIndex(afs, "/var/transfers.idx")
	require.NoError(t, err)
	assert.Equal(t, []string{"/usb/a.gcode", "/usb/b.bgcode"}, paths)
}

func TestRewriteIndex(t *testing.T) {
	afs := afero.NewMemMapFs()

	require.NoError(t, StoreIndex(afs, "/idx", "/usb/a"))
	require.NoError(t, StoreIndex(afs, "/idx", "/usb/b"))

	require.NoError(t, RewriteIndex(afs, "/idx", []string{"/usb/b"}))

	paths, err := ReadIndex(afs, "/idx")
	require.NoError(t, err)
	assert.Equal(t, []string{"/usb/b"}, paths)

	require.NoError(t, RewriteIndex(afs, "/idx", nil))

	exists, err := afero.Exists(afs, "/idx")
	require.NoError(t, err)
	assert.False(t, exists)
}
