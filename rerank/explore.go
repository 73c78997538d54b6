package rerank

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rushteam/onlinerec/core"
	"github.com/rushteam/onlinerec/pipeline"
	"github.com/rushteam/onlinerec/pkg/utils"
)

// DefaultExploreFraction 是探索位的默认占比。
const DefaultExploreFraction = 0.1

// Explore 把结果尾部一小片随机打乱作为探索位，用于给低曝光物品
// 积累初始信号。头部排序结果不受影响。
type Explore struct {
	// Fraction 是参与打乱的尾部占比，<=0 时取 DefaultExploreFraction
	Fraction float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewExplore 创建探索重排节点。
func NewExplore(fraction float64) *Explore {
	return &Explore{
		Fraction: fraction,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithExploreRandSource 固定随机源（测试用）。
func (n *Explore) WithExploreRandSource(src rand.Source) *Explore {
	n.rng = rand.New(src)
	return n
}

func (n *Explore) Name() string {
	return "rerank.explore"
}

func (n *Explore) Kind() pipeline.Kind {
	return pipeline.KindReRank
}

func (n *Explore) Process(
	_ context.Context,
	_ *core.RecommendContext,
	items []*core.Item,
) ([]*core.Item, error) {
	if len(items) < 2 {
		return items, nil
	}

	fraction := n.Fraction
	if fraction <= 0 {
		fraction = DefaultExploreFraction
	}
	if fraction > 1 {
		fraction = 1
	}
	k := int(float64(len(items)) * fraction)
	if k < 1 {
		return items, nil
	}

	tail := items[len(items)-k:]
	n.mu.Lock()
	n.rng.Shuffle(len(tail), func(i, j int) {
		tail[i], tail[j] = tail[j], tail[i]
	})
	n.mu.Unlock()

	for _, it := range tail {
		it.PutLabel("explore", utils.Label{Value: "true", Source: n.Name()})
	}
	return items, nil
}
