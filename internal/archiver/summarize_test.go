package archiver

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSummarizeTextKeepsShortInputWhole(t *testing.T) {
	t.Parallel()

	text := "Prices rose again in July. Energy costs drove the increase."
	require.Equal(t, text, summarizeText(text, 5))
}

func TestSummarizeTextSelectsTopSentencesInOrder(t *testing.T) {
	t.Parallel()

	text := strings.Join([]string{
		"Inflation accelerated sharply during the summer months.",
		"The cat sat quietly on the warm windowsill.",
		"Inflation pressure came mostly from energy and food prices.",
		"Analysts expect inflation to ease as energy prices stabilize.",
		"A completely unrelated gardening aside about tulip bulbs appears here.",
	}, " ")

	summary := summarizeText(text, 2)
	sentences := strings.Count(summary, ".")
	require.Equal(t, 2, sentences)
	// Selected sentences keep document order.
	first := strings.Index(summary, "Inflation")
	require.Equal(t, 0, first)
}

func TestSplitSentencesDropsFragments(t *testing.T) {
	t.Parallel()

	got := splitSentences("Menu\nReal sentence with several words here. Ok.\nAnother proper sentence follows this one.")
	require.Len(t, got, 2)
	require.Equal(t, "Real sentence with several words here.", got[0])
}

func TestRegistryRoutesByKind(t *testing.T) {
	t.Parallel()

	fetcher := NewFetcher(FetchConfig{})
	reg := NewRegistry(NewSnapshot(fetcher), NewReadability(fetcher), NewSummarize(fetcher, 3))

	a, err := reg.Get(NewSnapshot(fetcher).Kind())
	require.NoError(t, err)
	require.NotNil(t, a)

	_, err = reg.Get("minidisc")
	require.Error(t, err)
	require.Len(t, reg.Kinds(), 3)
}
