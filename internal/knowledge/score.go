package knowledge

import "strings"

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "in": true, "is": true,
	"it": true, "of": true, "on": true, "or": true, "the": true, "to": true,
	"with": true, "cannot": true, "can": true, "not": true, "no": true,
}

// Term weights by the case field they hit. A query term counts once, at
// its best field.
const (
	weightFault      = 1.0
	weightTag        = 1.0
	weightDevice     = 0.8
	weightRootCause  = 0.6
	weightResolution = 0.3
)

func tokenize(input string) []string {
	input = strings.ToLower(strings.TrimSpace(input))
	if input == "" {
		return nil
	}
	parts := strings.FieldsFunc(input, func(r rune) bool {
		return !(r == '_' || r == '-' || r == '/' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	})
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		if part == "" || stopwords[part] {
			continue
		}
		if _, exists := seen[part]; exists {
			continue
		}
		seen[part] = struct{}{}
		out = append(out, part)
	}
	return out
}

// similarity is the weighted fraction of query terms found in the case,
// in [0,1].
func similarity(c Case, terms []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	fault := tokenSet(c.Fault)
	rootCause := tokenSet(c.RootCause)
	resolution := tokenSet(c.Resolution)
	tags := tokenSet(strings.Join(c.Tags, " "))
	devices := tokenSet(strings.Join(c.Devices, " "))

	total := 0.0
	for _, term := range terms {
		switch {
		case fault[term]:
			total += weightFault
		case tags[term]:
			total += weightTag
		case devices[term]:
			total += weightDevice
		case rootCause[term]:
			total += weightRootCause
		case resolution[term]:
			total += weightResolution
		}
	}
	return total / float64(len(terms))
}

func tokenSet(s string) map[string]bool {
	tokens := tokenize(s)
	out := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		out[t] = true
	}
	return out
}
