package events

import (
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func token(text string, tags ...string) *Event {
	return &Event{
		Kind: KindChatModelStream,
		Tags: tags,
		Data: Data{Chunk: schema.AssistantMessage(text, nil)},
	}
}

func TestNormalizeFiltersNonAgentTraffic(t *testing.T) {
	cases := []struct {
		name string
		ev   *Event
		want string
		ok   bool
	}{
		{"agent token", token("Hi", TagAgent), "Hi", true},
		{"empty token", token("", TagAgent), "", false},
		{"untagged token", token("Hi"), "", false},
		{"other tag", token("Hi", "router"), "", false},
		{"tool start", &Event{Kind: KindToolStart, Tags: []string{TagAgent}, Data: Data{ToolInput: "{}"}}, "", false},
		{"chain end", &Event{Kind: KindChainEnd, Tags: []string{TagAgent}}, "", false},
		{"unknown kind", &Event{Kind: "on_retriever_end", Tags: []string{TagAgent}}, "", false},
		{"nil", nil, "", false},
		{"nil chunk", &Event{Kind: KindChatModelStream, Tags: []string{TagAgent}}, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, ok := Normalize(tc.ev)
			require.Equal(t, tc.ok, ok)
			require.Equal(t, tc.want, d.Content)
		})
	}
}

func TestSnapshotPicksLastChainEnd(t *testing.T) {
	first := []*schema.Message{schema.UserMessage("a")}
	last := []*schema.Message{schema.UserMessage("a"), schema.AssistantMessage("b", nil)}
	seq := []*Event{
		{Kind: KindChainEnd, Data: Data{Messages: first}},
		token("b", TagAgent),
		{Kind: KindChainEnd, Data: Data{Messages: last}},
		{Kind: KindToolEnd},
	}
	require.Equal(t, last, Snapshot(seq))
	require.Nil(t, Snapshot(seq[1:2]))
	require.Equal(t, first, Snapshot(append(seq[:1:1], &Event{Kind: KindChainEnd})))

	var nilEvent *Event
	_, ok := nilEvent.MessageState()
	require.False(t, ok)
}

type rawEvent struct {
	Kind   int
	Text   string
	Tagged bool
}

func genRawEvent() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, 3),
		gen.OneGenOf(gen.Const(""), gen.AlphaString()),
		gen.Bool(),
	).Map(func(v []interface{}) rawEvent {
		return rawEvent{Kind: v[0].(int), Text: v[1].(string), Tagged: v[2].(bool)}
	})
}

func build(raw []rawEvent) []*Event {
	kinds := []Kind{KindChatModelStream, KindToolStart, KindChainEnd, KindChatModelEnd}
	out := make([]*Event, 0, len(raw))
	for _, r := range raw {
		ev := &Event{Kind: kinds[r.Kind], Data: Data{Chunk: schema.AssistantMessage(r.Text, nil)}}
		if r.Tagged {
			ev.Tags = []string{"graph", TagAgent}
		}
		out = append(out, ev)
	}
	return out
}

func TestNormalizeProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("deltas are exactly the tagged non-empty tokens in order", prop.ForAll(
		func(raw []rawEvent) bool {
			seq := build(raw)
			var got, want []string
			for _, ev := range seq {
				if d, ok := Normalize(ev); ok {
					got = append(got, d.Content)
				}
			}
			for _, r := range raw {
				if r.Kind == 0 && r.Tagged && r.Text != "" {
					want = append(want, r.Text)
				}
			}
			if len(got) != len(want) {
				return false
			}
			for i := range got {
				if got[i] != want[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genRawEvent()),
	))

	properties.Property("concatenated deltas equal joined token text", prop.ForAll(
		func(raw []rawEvent) bool {
			var b strings.Builder
			for _, ev := range build(raw) {
				if d, ok := Normalize(ev); ok {
					b.WriteString(d.Content)
				}
			}
			var want strings.Builder
			for _, r := range raw {
				if r.Kind == 0 && r.Tagged {
					want.WriteString(r.Text)
				}
			}
			return b.String() == want.String()
		},
		gen.SliceOf(genRawEvent()),
	))

	properties.TestingRun(t)
}
