package council

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
)

const labelPrefix = "Response "

// rankingMarker introduces the machine readable part of a ranking answer.
const rankingMarker = "FINAL RANKING:"

var (
	labelPattern    = regexp.MustCompile(`Response ([A-Z]+)\b`)
	numberedPattern = regexp.MustCompile(`\d+\.\s*(Response [A-Z]+)\b`)
)

// Label returns the anonymous label for the i-th selected agent: "Response A"
// through "Response Z", then "Response AA", "Response AB" and so on.
func Label(i int) string {
	var b []byte
	for n := i; ; n = n/26 - 1 {
		b = append([]byte{byte('A' + n%26)}, b...)
		if n < 26 {
			break
		}
	}
	return labelPrefix + string(b)
}

// NewLabelMap labels the stage 1 results in the order given, which callers
// keep equal to agent selection order.
func NewLabelMap(results []Stage1Result) map[string]string {
	m := make(map[string]string, len(results))
	for i, r := range results {
		m[Label(i)] = r.Model
	}
	return m
}

// orderLabels returns the labels of m in assignment order and fails unless
// the map is a bijection of well formed labels onto non-empty agents.
func orderLabels(m map[string]string) ([]string, error) {
	labels := make([]string, 0, len(m))
	agents := make(map[string]string, len(m))
	for label, agent := range m {
		if !isLabel(label) {
			return nil, fmt.Errorf("%w: malformed label %q", ErrCorruptLabelMap, label)
		}
		if agent == "" {
			return nil, fmt.Errorf("%w: label %q has no agent", ErrCorruptLabelMap, label)
		}
		if prev, ok := agents[agent]; ok {
			return nil, fmt.Errorf("%w: agent %q has labels %q and %q", ErrCorruptLabelMap, agent, prev, label)
		}
		agents[agent] = label
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if len(labels[i]) != len(labels[j]) {
			return len(labels[i]) < len(labels[j])
		}
		return labels[i] < labels[j]
	})
	return labels, nil
}

func isLabel(s string) bool {
	suffix, ok := strings.CutPrefix(s, labelPrefix)
	if !ok || suffix == "" {
		return false
	}
	for _, r := range suffix {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// Aggregate combines peer rankings into one consensus ordering.
//
// For a map of N labels, the label at 1-based position p of a ranking earns
// N-p points. Labels missing from the map are dropped before positions are
// counted, a repeated label only counts at its first position and a label a
// ranking omits earns nothing from it. Ties keep label order. The result is
// empty when no rankings were received.
func Aggregate(rankings []Stage2Ranking, labelToModel map[string]string) ([]AggregateRanking, error) {
	labels, err := orderLabels(labelToModel)
	if err != nil {
		return nil, err
	}
	if len(rankings) == 0 {
		return []AggregateRanking{}, nil
	}

	n := len(labels)
	type tally struct {
		score     int
		positions int
		named     int
	}
	tallies := make(map[string]*tally, n)
	for _, l := range labels {
		tallies[l] = &tally{}
	}
	for _, r := range rankings {
		seen := make(map[string]struct{}, n)
		pos := 0
		for _, l := range r.ParsedRanking {
			t, ok := tallies[l]
			if !ok {
				continue
			}
			if _, dup := seen[l]; dup {
				continue
			}
			seen[l] = struct{}{}
			pos++
			t.score += n - pos
			t.positions += pos
			t.named++
		}
	}

	out := make([]AggregateRanking, 0, n)
	for _, l := range labels {
		t := tallies[l]
		ar := AggregateRanking{Model: labelToModel[l], Score: t.score, RankingsCount: t.named}
		if t.named > 0 {
			ar.AverageRank = math.Round(float64(t.positions)/float64(t.named)*100) / 100
		}
		out = append(out, ar)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

// ParseRanking extracts the ordered labels from a ranking answer. The section
// after "FINAL RANKING:" is searched for numbered entries first, then for any
// label mention; without the marker every label mention in the text counts.
func ParseRanking(text string) []string {
	if _, section, ok := strings.Cut(text, rankingMarker); ok {
		if m := numberedPattern.FindAllStringSubmatch(section, -1); len(m) > 0 {
			out := make([]string, 0, len(m))
			for _, sub := range m {
				out = append(out, sub[1])
			}
			return out
		}
		if found := labelPattern.FindAllString(section, -1); len(found) > 0 {
			return found
		}
	}
	found := labelPattern.FindAllString(text, -1)
	if found == nil {
		return []string{}
	}
	return found
}

// DecodeRanking maps parsed labels back to agents, dropping unknown labels.
func DecodeRanking(parsed []string, labelToModel map[string]string) []string {
	out := make([]string, 0, len(parsed))
	for _, l := range parsed {
		if agent, ok := labelToModel[l]; ok {
			out = append(out, agent)
		}
	}
	return out
}
