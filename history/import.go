package history

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/papertrail/go-tail/follower"
	"github.com/pkg/errors"

	"github.com/kerntune/schedlat"
)

// ImportOptions configure a snapshot-log import. Exactly one of
// InputSource and FileName must be set; Follow keeps reading as a
// live session appends to the file.
type ImportOptions struct {
	InputSource io.Reader `json:"-"`
	FileName    string
	Follow      bool
}

func (opts ImportOptions) validate() error {
	neitherSpecified := opts.InputSource == nil && opts.FileName == ""
	bothSpecified := opts.InputSource != nil && opts.FileName != ""

	if neitherSpecified || bothSpecified {
		return errors.New("must specify exactly one of input source and filename")
	}

	if opts.Follow && opts.FileName == "" {
		return errors.New("follow option must not be specified with a file reader")
	}

	return nil
}

func (opts ImportOptions) getSource() (<-chan schedlat.PerformanceMetrics, <-chan error) {
	out := make(chan schedlat.PerformanceMetrics)
	errs := make(chan error)

	decode := func(line []byte) (schedlat.PerformanceMetrics, error) {
		pm := schedlat.PerformanceMetrics{}
		err := json.Unmarshal(line, &pm)
		return pm, errors.Wrap(err, "problem parsing snapshot line")
	}

	switch {
	case opts.InputSource != nil:
		go func() {
			defer close(errs)
			stream := bufio.NewScanner(opts.InputSource)
			for stream.Scan() {
				pm, err := decode(stream.Bytes())
				if err != nil {
					errs <- err
					return
				}
				out <- pm
			}
		}()
	case opts.FileName != "" && !opts.Follow:
		go func() {
			defer close(errs)
			f, err := os.Open(opts.FileName)
			if err != nil {
				errs <- errors.Wrapf(err, "problem opening snapshot log %s", opts.FileName)
				return
			}
			defer f.Close()
			stream := bufio.NewScanner(f)

			for stream.Scan() {
				pm, err := decode(stream.Bytes())
				if err != nil {
					errs <- err
					return
				}
				out <- pm
			}
		}()
	case opts.FileName != "" && opts.Follow:
		go func() {
			defer close(errs)

			tail, err := follower.New(opts.FileName, follower.Config{
				Reopen: true,
			})
			if err != nil {
				errs <- errors.Wrapf(err, "problem setting up follower of '%s'", opts.FileName)
				return
			}
			defer tail.Close()

			for line := range tail.Lines() {
				pm, err := decode([]byte(line.String()))
				if err != nil {
					errs <- err
					return
				}
				out <- pm
			}
		}()
	default:
		go func() {
			defer close(errs)
			errs <- errors.New("invalid import options")
		}()
	}

	return out, errs
}

// ImportSnapshots rebuilds a session summary from a newline-JSON
// snapshot log written during a live session. The summary reflects
// the final snapshot seen; the import is marked incomplete because
// the originating session's terminal drain is not represented in the
// log.
func ImportSnapshots(ctx context.Context, opts ImportOptions) (*schedlat.SessionSummary, error) {
	if err := opts.validate(); err != nil {
		return nil, errors.WithStack(err)
	}

	source, errs := opts.getSource()

	var (
		count int
		first schedlat.PerformanceMetrics
		last  schedlat.PerformanceMetrics
	)

collect:
	for {
		select {
		case <-ctx.Done():
			break collect
		case err, ok := <-errs:
			if err != nil {
				return nil, errors.WithStack(err)
			}
			if !ok {
				// source exhausted cleanly
				break collect
			}
		case pm := <-source:
			if count == 0 {
				first = pm
			}
			last = pm
			count++
		}
	}

	if count == 0 {
		return nil, errors.New("snapshot log contained no snapshots")
	}

	return &schedlat.SessionSummary{
		Mode:           "imported",
		StartedAt:      first.Timestamp,
		Duration:       last.Timestamp.Sub(first.Timestamp),
		Completed:      false,
		Metrics:        last,
		TotalSamples:   last.SampleCount,
		DroppedSamples: last.DroppedSamples,
	}, nil
}
