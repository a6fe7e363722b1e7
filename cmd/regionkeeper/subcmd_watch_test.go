package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/regionkeeper/internal/branch"
	"gitlab.com/gitlab-org/regionkeeper/internal/helper"
	"gitlab.com/gitlab-org/regionkeeper/internal/testhelper"
)

func TestWatchSubcommand(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	td := newTestDump()
	path := td.write(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var out bytes.Buffer
	cmd := newWatchSubcommand(&out)
	cmd.dump = path

	ticker := helper.NewManualTicker()
	ctx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- cmd.run(ctx, defaultConfig(t), ticker, l) }()

	require.Eventually(t, func() bool {
		d, err := readDump(path)
		return err == nil && d.Branches.Len() == 3
	}, 5*time.Second, 10*time.Millisecond)

	collected, err := readDump(path)
	require.NoError(t, err)
	require.ElementsMatch(t, []branch.ID{td.b1, td.b2, td.b4}, collected.Branches.IDs())
	require.Len(t, collected.Acks, 1)

	t.Run("ticks leave a collected dump alone", func(t *testing.T) {
		ticker.Tick()
		ticker.Tick()

		again, err := readDump(path)
		require.NoError(t, err)
		require.ElementsMatch(t, collected.Branches.IDs(), again.Branches.IDs())
	})

	t.Run("metrics", func(t *testing.T) {
		client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
		resp, err := client.Get("http://" + l.Addr().String() + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Contains(t, string(body), "regionkeeper_lineage_adopted_branches_total 1")
		require.Contains(t, string(body), "regionkeeper_lineage_removed_branches_total 1")
		require.Contains(t, string(body), "regionkeeper_lineage_pass_seconds_count")
	})

	stop()
	require.NoError(t, <-done)
	require.Contains(t, out.String(), "Adopted 1 and removed 1 branches")
}

func TestWatchSubcommand_PositionalArguments(t *testing.T) {
	_, err := runSubcommand(t, newWatchSubcommand(nil), defaultConfig(t), "-dump", "dump.json", "extra")
	require.Equal(t, unexpectedPositionalArgsError{Command: watchCmdName}, err)
}

func TestWatchSubcommand_MissingDump(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cmd := newWatchSubcommand(io.Discard)
	err = cmd.run(context.Background(), defaultConfig(t), helper.NewManualTicker(), l)
	require.Equal(t, requiredParameterError("dump"), err)

	_, err = net.Dial("tcp", l.Addr().String())
	require.Error(t, err)
}
