package cluster

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Corpus carries term statistics over the full refresh window. IDF is
// computed against the whole window rather than a single cluster's
// members so term weights stay comparable across clusters.
type Corpus struct {
	docCount       int
	tf             map[string]int
	df             map[string]int
	docsByReceiver map[string][]string
}

// NewCorpus builds window statistics from all samples, clustered or not.
func NewCorpus(samples []*Sample) *Corpus {
	c := &Corpus{
		tf:             make(map[string]int),
		df:             make(map[string]int),
		docsByReceiver: make(map[string][]string),
	}

	for _, s := range samples {
		doc := sampleDoc(s)
		if doc == "" {
			continue
		}
		c.docCount++
		c.docsByReceiver[s.Receiver] = append(c.docsByReceiver[s.Receiver], doc)

		seen := make(map[string]bool)
		for _, term := range tokenize(doc) {
			c.tf[term]++
			if !seen[term] {
				seen[term] = true
				c.df[term]++
			}
		}
	}

	return c
}

// IDF returns the smoothed inverse document frequency of term:
// ln((1+N)/(1+df)) + 1. A nil or empty corpus weighs every term 1.
func (c *Corpus) IDF(term string) float64 {
	if c == nil || c.docCount == 0 {
		return 1
	}
	return math.Log(float64(1+c.docCount)/float64(1+c.df[term])) + 1
}

// TermScore returns the corpus-wide TF-IDF weight of term, used to
// rank keyword unions when clusters merge.
func (c *Corpus) TermScore(term string) float64 {
	if c == nil || c.docCount == 0 {
		return 0
	}
	return float64(c.tf[term]) * c.IDF(term)
}

// Empty reports whether the corpus carries no documents.
func (c *Corpus) Empty() bool {
	return c == nil || c.docCount == 0
}

// DocsFor returns the pooled window documents of the given receivers,
// used to re-derive names for merged clusters.
func (c *Corpus) DocsFor(receivers []string) []string {
	if c == nil {
		return nil
	}
	var docs []string
	for _, r := range receivers {
		docs = append(docs, c.docsByReceiver[r]...)
	}
	return docs
}

// sampleDoc is the naming document for one sample: message text plus
// the pattern flags. Flags appear both in the text and as tokens, so
// flagged terms outrank message filler in TF scoring.
func sampleDoc(s *Sample) string {
	doc := s.Message
	if len(s.PatternFlags) > 0 {
		doc += " " + strings.Join(s.PatternFlags, " ")
	}
	return strings.TrimSpace(doc)
}

// DeriveName scores the pooled documents' terms by term frequency times
// corpus IDF, picks the top three (ties broken alphabetically so names
// are stable across runs), title-cases and joins them. Documents with
// no scoreable terms fall back to the numbered emerging name.
func DeriveName(docs []string, corpus *Corpus, fallbackIndex int) (string, []string) {
	tf := make(map[string]int)
	for _, doc := range docs {
		for _, term := range tokenize(doc) {
			tf[term]++
		}
	}

	if len(tf) == 0 {
		return FallbackName(fallbackIndex), nil
	}

	type scored struct {
		term  string
		score float64
	}
	terms := make([]scored, 0, len(tf))
	for term, count := range tf {
		terms = append(terms, scored{term, float64(count) * corpus.IDF(term)})
	}
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].score != terms[j].score {
			return terms[i].score > terms[j].score
		}
		return terms[i].term < terms[j].term
	})

	if len(terms) > 3 {
		terms = terms[:3]
	}

	caser := cases.Title(language.English)
	keywords := make([]string, len(terms))
	titled := make([]string, len(terms))
	for i, t := range terms {
		keywords[i] = t.term
		titled[i] = caser.String(t.term)
	}

	return strings.Join(titled, " / "), keywords
}

// FallbackName is the display name for clusters without derivable
// keywords.
func FallbackName(n int) string {
	return fmt.Sprintf("Emerging Scam Cluster #%d", n)
}

// tokenize lowercases and splits a document into alphanumeric runs,
// dropping stopwords and terms shorter than two runes.
func tokenize(doc string) []string {
	fields := strings.FieldsFunc(strings.ToLower(doc), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	out := fields[:0]
	for _, f := range fields {
		if utf8.RuneCountInString(f) < 2 || stopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

// stopwords is the English function-word list excluded from naming.
var stopwords = map[string]bool{}

func init() {
	for _, w := range strings.Fields(`
		about above after again against all am an and any are as at be
		because been before being below between both but by can cannot
		could did do does doing down during each few for from further
		had has have having he her here hers herself him himself his
		how if in into is it its itself just me more most my myself no
		nor not now of off on once only or other our ours ourselves out
		over own same she should so some such than that the their
		theirs them themselves then there these they this those through
		to too under until up upon very via was we were what when where
		which while who whom why will with would you your yours
		yourself yourselves`) {
		stopwords[w] = true
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
