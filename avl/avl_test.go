package avl

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type intItem int

func (a intItem) Less(b intItem) bool { return a < b }

func TestInsertInOrderSorted(t *testing.T) {
	var tree Tree[intItem]
	values := []intItem{5, 3, 8, 1, 4, 7, 9, 2, 6, 0}
	for _, v := range values {
		tree.Insert(v)
	}

	got := tree.InOrder()
	require.Len(t, got, len(values))
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1], got[i])
	}
	assert.Equal(t, intItem(0), tree.Smallest().Data)
}

func TestRemoveKeepsOrder(t *testing.T) {
	var tree Tree[intItem]
	nodes := make([]*Node[intItem], 0)
	for i := 0; i < 50; i++ {
		nodes = append(nodes, tree.Insert(intItem(i)))
	}

	r := rand.New(rand.NewSource(1))
	r.Shuffle(len(nodes), func(i, j int) { nodes[i], nodes[j] = nodes[j], nodes[i] })

	for i, n := range nodes {
		tree.Remove(n)
		if i == len(nodes)-1 {
			assert.True(t, tree.Empty())
			continue
		}
		got := tree.InOrder()
		for j := 1; j < len(got); j++ {
			assert.LessOrEqual(t, got[j-1], got[j])
		}
	}
}

func TestSmallestAlwaysMinimum(t *testing.T) {
	var tree Tree[intItem]
	present := map[intItem]*Node[intItem]{}

	r := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		if len(present) == 0 || r.Intn(2) == 0 {
			v := intItem(r.Intn(1000))
			if _, ok := present[v]; ok {
				continue
			}
			present[v] = tree.Insert(v)
		} else {
			var victim intItem
			for k := range present {
				victim = k
				break
			}
			tree.Remove(present[victim])
			delete(present, victim)
		}

		if len(present) == 0 {
			assert.True(t, tree.Empty())
			continue
		}
		min := intItem(1 << 30)
		for k := range present {
			if k < min {
				min = k
			}
		}
		assert.Equal(t, min, tree.Smallest().Data)
	}
}
