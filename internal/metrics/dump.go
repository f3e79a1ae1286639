package metrics

import (
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// WriteText writes every metric gathered from g in the Prometheus text
// exposition format.
func WriteText(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// DumpToFile writes the metrics gathered from g to path, replacing it.
func DumpToFile(path string, g prometheus.Gatherer) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create metrics dump: %w", err)
	}
	if err := WriteText(f, g); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
