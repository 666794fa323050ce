package logger

import (
	"bytes"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type named struct{}

func (named) String() string { return "item 7" }

func TestLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})

	log := New(logrus.NewEntry(l)).WithField("file", "a.avif")
	log.Debugf(named{}, "hidden %d", 1)
	require.Zero(t, buf.Len())

	log.Warningf(named{}, "visible %d", 2)
	out := buf.String()
	require.Contains(t, out, "level=warning")
	require.Contains(t, out, "item 7| visible 2")
	require.Contains(t, out, "file=a.avif")
}

func TestObjToString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		obj  any
		want string
	}{
		{name: "nil", obj: nil, want: "NIL"},
		{name: "string", obj: "server", want: "server"},
		{name: "stringer", obj: named{}, want: "item 7"},
		{name: "type", obj: 3, want: "int"},
		{name: "long", obj: "/very/long/path/to/some/file.avif", want: "path/to/some/file.avif"[2:]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, objToString(tt.obj))
		})
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	lvl, err := ParseLevel("")
	require.NoError(t, err)
	require.Equal(t, logrus.InfoLevel, lvl)

	lvl, err = ParseLevel("debug")
	require.NoError(t, err)
	require.Equal(t, logrus.DebugLevel, lvl)

	_, err = ParseLevel("loud")
	require.Error(t, err)
}

func TestTextFormatter_Timestamp(t *testing.T) {
	t.Parallel()

	f := textFormatter()
	f.ForceColors, f.DisableColors = false, true
	entry := logrus.NewEntry(logrus.New())
	entry.Time = time.Date(2026, time.March, 4, 5, 6, 7, 0, time.UTC)
	entry.Message = "x"
	out, err := f.Format(entry)
	require.NoError(t, err)
	require.Contains(t, string(out), "2026/03/04 05:06:07")
}
