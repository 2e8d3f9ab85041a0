package main

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"

	gocid "github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/atrepo/internal/blocks"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, "", args...)
	require.NoError(t, err, "atrepo %s", strings.Join(args, " "))
	return out
}

// head parses the "<did> <rev> <cid>" line printed by init and import.
func head(t *testing.T, out string) (did, rev string) {
	t.Helper()
	fields := strings.Fields(out)
	require.Len(t, fields, 3, out)
	return fields[0], fields[1]
}

func TestVersion(t *testing.T) {
	assert.Equal(t, "atrepo dev\n", mustRun(t, "version"))
}

func TestRecordLifecycleAndSync(t *testing.T) {
	for _, backend := range []string{"sqlite", "badger"} {
		t.Run(backend, func(t *testing.T) {
			src := []string{"--backend", backend, "--data-dir", t.TempDir()}
			dst := []string{"--backend", backend, "--data-dir", t.TempDir()}
			withSrc := func(args ...string) []string { return append(append([]string{}, args...), src...) }
			carPath := filepath.Join(t.TempDir(), "repo.car")

			did, _ := head(t, mustRun(t, withSrc("init")...))
			assert.True(t, strings.HasPrefix(did, "did:key:z"))
			_, err := run(t, "", withSrc("init")...)
			assert.Error(t, err, "init twice")

			assert.Contains(t, mustRun(t, withSrc("put", "app.bsky.feed.post", "a", `{"text":"hi","n":3}`)...), "create ")
			assert.Contains(t, mustRun(t, withSrc("put", "app.bsky.feed.post", "a", `{"text":"edited","n":4}`)...), "update ")
			_, err = run(t, `{"text":"from stdin"}`, withSrc("put", "app.bsky.feed.post", "b")...)
			require.NoError(t, err)

			got := mustRun(t, withSrc("get", "app.bsky.feed.post", "a")...)
			assert.Contains(t, got, `"text": "edited"`)
			assert.Contains(t, got, `"n": 4`)
			assert.Contains(t, mustRun(t, withSrc("ls")...), "app.bsky.feed.post")
			ls := mustRun(t, withSrc("ls", "app.bsky.feed.post")...)
			assert.Contains(t, ls, "a ")
			assert.Contains(t, ls, "b ")
			assert.Len(t, strings.Split(strings.TrimSpace(mustRun(t, withSrc("log")...)), "\n"), 4)

			mustRun(t, withSrc("export", "--reachable", "-o", carPath)...)
			assert.Contains(t, mustRun(t, withSrc("verify", carPath, "--did", did)...), "ok "+did)

			_, rev := head(t, mustRun(t, append([]string{"import", carPath, "--did", did}, dst...)...))
			got = mustRun(t, append([]string{"get", "app.bsky.feed.post", "b", "--did", did}, dst...)...)
			assert.Contains(t, got, "from stdin")

			mustRun(t, withSrc("delete", "app.bsky.feed.post", "b")...)
			mustRun(t, withSrc("put", "app.bsky.feed.post", "c", `{"text":"new"}`)...)
			diffPath := filepath.Join(t.TempDir(), "diff.car")
			mustRun(t, withSrc("export", "--since", rev, "-o", diffPath)...)
			_, newRev := head(t, mustRun(t, append([]string{"import", "--diff", diffPath, "--did", did}, dst...)...))
			assert.Greater(t, newRev, rev)

			_, err = run(t, "", append([]string{"get", "app.bsky.feed.post", "b", "--did", did}, dst...)...)
			assert.Error(t, err)
			assert.Contains(t, mustRun(t, append([]string{"get", "app.bsky.feed.post", "c", "--did", did}, dst...)...), "new")

			_, err = run(t, "", withSrc("delete", "app.bsky.feed.post", "zz")...)
			assert.Error(t, err)
		})
	}
}

func TestUnknownBackend(t *testing.T) {
	_, err := run(t, "", "ls", "--backend", "cassandra", "--data-dir", t.TempDir())
	assert.ErrorContains(t, err, "unknown backend")
}

func TestParseRecord(t *testing.T) {
	c, err := blocks.ComputeCID(blocks.CodecRaw, []byte("x"))
	require.NoError(t, err)

	v, err := parseRecord([]byte(`{"n": 7, "ref": {"$link": "` + c.String() + `"}, "blob": {"$bytes": "aGk"}, "list": [1, "two"]}`))
	require.NoError(t, err)
	m := v.(map[string]any)
	assert.Equal(t, int64(7), m["n"])
	ref, ok := m["ref"].(gocid.Cid)
	require.True(t, ok, "ref is %T", m["ref"])
	assert.True(t, c.Equals(ref))
	assert.Equal(t, []byte("hi"), m["blob"])
	assert.Equal(t, []any{int64(1), "two"}, m["list"])

	back := toJSON(v).(map[string]any)
	assert.Equal(t, map[string]any{"$link": c.String()}, back["ref"])
	assert.Equal(t, map[string]any{"$bytes": "aGk"}, back["blob"])

	_, err = parseRecord([]byte(`{"f": 1.5}`))
	assert.Error(t, err)
	_, err = parseRecord([]byte(`[1]`))
	assert.Error(t, err)
	_, err = parseRecord([]byte(`{} {}`))
	assert.Error(t, err)
}
