package services

import "strings"

// DefaultPlotMarkers are the substrings that mark an action as plotting code.
var DefaultPlotMarkers = []string{"plt"}

// ActionClassifier decides whether an extracted action draws a chart.
//
// The test is textual: a marker inside a comment or string counts, and a
// plotting call made through an alias does not.
type ActionClassifier struct {
	markers []string
}

// NewActionClassifier builds a classifier; with no markers it uses
// DefaultPlotMarkers.
func NewActionClassifier(markers ...string) *ActionClassifier {
	var kept []string
	for _, m := range markers {
		if m != "" {
			kept = append(kept, m)
		}
	}
	if len(kept) == 0 {
		kept = DefaultPlotMarkers
	}
	return &ActionClassifier{markers: kept}
}

// IsPlotAction reports whether action is present and contains a marker.
func (c *ActionClassifier) IsPlotAction(action *string) bool {
	if action == nil {
		return false
	}
	for _, m := range c.markers {
		if strings.Contains(*action, m) {
			return true
		}
	}
	return false
}
