package matchmaking_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-matchmaking/internal/matchmaking"
	"github.com/stretchr/testify/assert"
)

func entries(f matchmaking.Faction, prefix string, n int) []matchmaking.QueueEntry {
	base := time.Unix(1_700_000_000, 0)
	out := make([]matchmaking.QueueEntry, n)
	for i := range n {
		out[i] = matchmaking.QueueEntry{
			PlayerID:   fmt.Sprintf("%s%d", prefix, i+1),
			Faction:    f,
			EnqueuedAt: base.Add(time.Duration(i) * time.Second),
		}
	}
	return out
}

func TestPair(t *testing.T) {
	tests := []struct {
		name      string
		cats      int
		dogs      int
		wantPairs int
	}{
		{name: "both empty", cats: 0, dogs: 0, wantPairs: 0},
		{name: "only cats", cats: 3, dogs: 0, wantPairs: 0},
		{name: "only dogs", cats: 0, dogs: 2, wantPairs: 0},
		{name: "equal", cats: 4, dogs: 4, wantPairs: 4},
		{name: "more cats", cats: 5, dogs: 2, wantPairs: 2},
		{name: "more dogs", cats: 1, dogs: 10, wantPairs: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cats := entries(matchmaking.FactionCat, "c", tt.cats)
			dogs := entries(matchmaking.FactionDog, "d", tt.dogs)

			pairs := matchmaking.Pair(cats, dogs)
			assert.Len(t, pairs, tt.wantPairs)

			// 第 i 早的 CAT 對第 i 早的 DOG
			for i, p := range pairs {
				assert.Equal(t, cats[i].PlayerID, p.Cat.PlayerID)
				assert.Equal(t, dogs[i].PlayerID, p.Dog.PlayerID)
			}
		})
	}
}

func TestParseFaction(t *testing.T) {
	for _, in := range []string{"cat", "CAT", " Cat "} {
		f, err := matchmaking.ParseFaction(in)
		assert.NoError(t, err)
		assert.Equal(t, matchmaking.FactionCat, f)
	}

	f, err := matchmaking.ParseFaction("dog")
	assert.NoError(t, err)
	assert.Equal(t, matchmaking.FactionDog, f)

	_, err = matchmaking.ParseFaction("bird")
	assert.Error(t, err)
}
