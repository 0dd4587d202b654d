package orchestrator

import (
	"math/rand"
	"testing"

	"pgregory.net/rapid"

	"github.com/BaSui01/roundtable/types"
)

// 洗牌必须是均匀置换：处理到的 chatter id 多重集与注册表中的完全一致，
// 且原切片不被修改。
func TestProperty_ShuffleIsPermutation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 20).Draw(t, "n")
		seed := rapid.Int64().Draw(t, "seed")

		agents := make([]types.Agent, n)
		for i := range agents {
			agents[i] = types.Agent{ID: rapid.StringMatching(`[a-z]{1,8}`).Draw(t, "id"), Role: types.RoleChatter, Model: "m"}
		}

		original := append([]types.Agent(nil), agents...)
		shuffled := shuffle(rand.New(rand.NewSource(seed)), agents)

		if len(shuffled) != len(original) {
			t.Fatalf("length changed: %d != %d", len(shuffled), len(original))
		}

		count := func(list []types.Agent) map[string]int {
			m := make(map[string]int)
			for _, a := range list {
				m[a.ID]++
			}
			return m
		}
		before, after := count(original), count(shuffled)
		for id, c := range before {
			if after[id] != c {
				t.Fatalf("id %q: count %d before, %d after", id, c, after[id])
			}
		}
		for i := range agents {
			if agents[i].ID != original[i].ID {
				t.Fatalf("input slice mutated at %d", i)
			}
		}
	})
}

// 不同种子产生不同顺序（n 足够大时洗牌确实在洗）。
func TestShuffleVariesWithSeed(t *testing.T) {
	agents := make([]types.Agent, 10)
	for i := range agents {
		agents[i] = types.Agent{ID: string(rune('a' + i)), Role: types.RoleChatter, Model: "m"}
	}

	orders := make(map[string]struct{})
	for seed := int64(0); seed < 20; seed++ {
		out := shuffle(rand.New(rand.NewSource(seed)), agents)
		key := ""
		for _, a := range out {
			key += a.ID
		}
		orders[key] = struct{}{}
	}
	if len(orders) < 2 {
		t.Fatal("shuffle produced a single order across 20 seeds")
	}
}
