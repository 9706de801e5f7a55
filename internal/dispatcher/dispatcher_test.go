package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/venue-crawler/internal/catalog"
	"github.com/JakeFAU/venue-crawler/internal/crawler"
)

type recordingCrawler struct {
	mu       sync.Mutex
	calls    []Assignment
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
	fail     map[string]error
}

func (c *recordingCrawler) CrawlSource(_ context.Context, desc catalog.Descriptor, shard crawler.ShardSpec) crawler.RunSummary {
	n := c.inFlight.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.inFlight.Add(-1)

	c.mu.Lock()
	c.calls = append(c.calls, Assignment{Source: desc, Shard: shard})
	c.mu.Unlock()

	summary := crawler.RunSummary{
		SourceID:       desc.SourceID,
		Shard:          shard,
		StoppedReason:  crawler.StopLowStreak,
		TotalDelivered: 10,
	}
	if err := c.fail[desc.SourceID]; err != nil {
		summary.StoppedReason = crawler.StopFatalError
		summary.TotalDelivered = 0
		summary.Err = err
		summary.ErrText = err.Error()
	}
	return summary
}

func TestPlanAssignmentsSingleShard(t *testing.T) {
	t.Parallel()

	plan := Plan{
		Sources: catalog.Builtin(),
		Shard:   crawler.ShardSpec{Index: 1, Total: 3},
	}
	got, err := plan.Assignments()
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, catalog.TagVenue, got[0].Source.SourceID)
	require.Equal(t, catalog.HireSpace, got[1].Source.SourceID)
	require.Equal(t, crawler.ShardSpec{Index: 1, Total: 3}, got[0].Shard)
}

func TestPlanAssignmentsLocalShards(t *testing.T) {
	t.Parallel()

	plan := Plan{
		Sources:     catalog.Builtin()[:1],
		Shard:       crawler.ShardSpec{Index: 7, Total: 2},
		LocalShards: 3,
	}
	got, err := plan.Assignments()
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, a := range got {
		require.Equal(t, crawler.ShardSpec{Index: i, Total: 3}, a.Shard)
	}
}

func TestPlanAssignmentsRejectsBadConfig(t *testing.T) {
	t.Parallel()

	_, err := Plan{}.Assignments()
	require.True(t, catalog.IsConfigurationError(err))

	_, err = Plan{Sources: catalog.Builtin(), Shard: crawler.ShardSpec{Index: 3, Total: 3}}.Assignments()
	var cfgErr *crawler.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "shard.index", cfgErr.Field)

	broken := catalog.Builtin()[0]
	broken.HardPageCeiling = 0
	_, err = Plan{Sources: []catalog.Descriptor{broken}}.Assignments()
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "hard_page_ceiling", cfgErr.Field)
}

func TestRunCollectsSummariesInPlanOrder(t *testing.T) {
	t.Parallel()

	rc := &recordingCrawler{delay: 5 * time.Millisecond}
	d := New(rc, nil)

	report, err := d.Run(context.Background(), Plan{
		Sources:     catalog.Builtin(),
		LocalShards: 2,
		Parallelism: 4,
	})
	require.NoError(t, err)
	require.Len(t, report.Summaries, 4)
	require.Equal(t, catalog.TagVenue, report.Summaries[0].SourceID)
	require.Equal(t, crawler.ShardSpec{Index: 1, Total: 2}, report.Summaries[1].Shard)
	require.Equal(t, catalog.HireSpace, report.Summaries[3].SourceID)
	require.Equal(t, 40, report.Delivered())
	require.Empty(t, report.Failed())
	require.Len(t, rc.calls, 4)
}

func TestRunHonorsParallelism(t *testing.T) {
	t.Parallel()

	rc := &recordingCrawler{delay: 10 * time.Millisecond}
	_, err := New(rc, nil).Run(context.Background(), Plan{
		Sources:     catalog.Builtin(),
		LocalShards: 3,
		Parallelism: 2,
	})
	require.NoError(t, err)
	require.LessOrEqual(t, rc.peak.Load(), int32(2))

	serial := &recordingCrawler{delay: time.Millisecond}
	_, err = New(serial, nil).Run(context.Background(), Plan{Sources: catalog.Builtin(), LocalShards: 2})
	require.NoError(t, err)
	require.Equal(t, int32(1), serial.peak.Load())
}

func TestRunJoinsFailedRunErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("render service unreachable")
	rc := &recordingCrawler{fail: map[string]error{catalog.HireSpace: boom}}

	report, err := New(rc, nil).Run(context.Background(), Plan{Sources: catalog.Builtin()})
	require.ErrorIs(t, err, boom)
	require.ErrorContains(t, err, "HireSpace shard 0/1")
	require.Len(t, report.Summaries, 2)
	require.Len(t, report.Failed(), 1)
	require.Equal(t, 10, report.Delivered())
}

func TestRunReportsPlanErrorsBeforeCrawling(t *testing.T) {
	t.Parallel()

	rc := &recordingCrawler{}
	_, err := New(rc, nil).Run(context.Background(), Plan{
		Sources: catalog.Builtin(),
		Shard:   crawler.ShardSpec{Index: -1, Total: 2},
	})
	require.Error(t, err)
	require.True(t, catalog.IsConfigurationError(err))
	require.Empty(t, rc.calls)
}
