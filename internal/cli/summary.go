package cli

import (
	"fmt"
	"io"
)

type siteOutcome struct {
	site   string
	reason string
}

// runSummary collects per-site outcomes in processing order.
type runSummary struct {
	outcomes []siteOutcome
}

func (s *runSummary) succeed(site string) {
	s.outcomes = append(s.outcomes, siteOutcome{site: site})
}

func (s *runSummary) fail(site, reason string) {
	s.outcomes = append(s.outcomes, siteOutcome{site: site, reason: reason})
}

func (s *runSummary) succeeded() int {
	n := 0
	for _, o := range s.outcomes {
		if o.reason == "" {
			n++
		}
	}
	return n
}

func (s *runSummary) failed() int {
	return len(s.outcomes) - s.succeeded()
}

func (s *runSummary) total() int {
	return len(s.outcomes)
}

func (s *runSummary) print(w io.Writer) {
	fmt.Fprintf(w, "\nSummary: %d succeeded, %d failed\n", s.succeeded(), s.failed())
	for _, o := range s.outcomes {
		if o.reason == "" {
			fmt.Fprintf(w, "  %s %s\n", mark(true), o.site)
			continue
		}
		fmt.Fprintf(w, "  %s %s (%s)\n", mark(false), o.site, o.reason)
	}
}
