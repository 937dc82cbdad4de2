package analysis

import (
	"math/rand/v2"
	"sort"

	"github.com/Hara602/duckguard/internal/model"
)

const (
	labelHuman = 0
	labelDucky = 1
)

// Node 决策树节点，Left < 0 表示叶子
type Node struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t"`
	Left      int     `json:"l"`
	Right     int     `json:"r"`
	Ducky     float64 `json:"p"` // 叶子上 USB_DUCKY 的比例
}

type Tree struct {
	Nodes []Node `json:"nodes"`
}

func (t *Tree) proba(x []float64) float64 {
	i := 0
	for {
		n := &t.Nodes[i]
		if n.Left < 0 {
			return n.Ducky
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// Forest 随机森林 (bagging + 每次分裂随机选特征)
// 加载后只读，并发调用 Predict 无需加锁
type Forest struct {
	NumFeatures int    `json:"num_features"`
	Trees       []Tree `json:"trees"`
}

// Proba 各棵树叶子概率的平均值
func (f *Forest) Proba(x []float64) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	var sum float64
	for i := range f.Trees {
		sum += f.Trees[i].proba(x)
	}
	return sum / float64(len(f.Trees))
}

// Predict 返回预测类别和该类别的概率 (百分比)
func (f *Forest) Predict(x []float64) (model.Classification, float64) {
	p := f.Proba(x)
	if p > 0.5 {
		return model.ClassDucky, p * 100
	}
	return model.ClassHuman, (1 - p) * 100
}

type ForestParams struct {
	Trees           int
	MaxDepth        int
	MinSamplesSplit int
	MaxFeatures     int // 0 表示 sqrt(特征数)
	Seed            uint64
}

// TrainForest X 每行一个样本，y 取 0 (human) / 1 (ducky)
func TrainForest(X [][]float64, y []int, p ForestParams) *Forest {
	nf := 0
	if len(X) > 0 {
		nf = len(X[0])
	}
	if p.MinSamplesSplit < 2 {
		p.MinSamplesSplit = 2
	}
	if p.MaxFeatures <= 0 || p.MaxFeatures > nf {
		p.MaxFeatures = max(1, isqrt(nf))
	}
	r := rand.New(rand.NewPCG(p.Seed, p.Seed^0x9e3779b97f4a7c15))

	f := &Forest{NumFeatures: nf, Trees: make([]Tree, 0, p.Trees)}
	for t := 0; t < p.Trees; t++ {
		// bootstrap 有放回抽样
		idx := make([]int, len(X))
		for i := range idx {
			idx[i] = r.IntN(len(X))
		}
		b := &treeBuilder{X: X, y: y, p: p, r: r}
		b.build(idx, 0)
		f.Trees = append(f.Trees, Tree{Nodes: b.nodes})
	}
	return f
}

type treeBuilder struct {
	X     [][]float64
	y     []int
	p     ForestParams
	r     *rand.Rand
	nodes []Node
}

func (b *treeBuilder) build(idx []int, depth int) int {
	pos := 0
	for _, i := range idx {
		pos += b.y[i]
	}
	self := len(b.nodes)
	b.nodes = append(b.nodes, Node{Left: -1, Right: -1, Ducky: float64(pos) / float64(max(1, len(idx)))})

	if depth >= b.p.MaxDepth || len(idx) < b.p.MinSamplesSplit || pos == 0 || pos == len(idx) {
		return self
	}
	feature, threshold, ok := b.bestSplit(idx)
	if !ok {
		return self
	}

	var left, right []int
	for _, i := range idx {
		if b.X[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	l := b.build(left, depth+1)
	r := b.build(right, depth+1)
	b.nodes[self].Feature = feature
	b.nodes[self].Threshold = threshold
	b.nodes[self].Left = l
	b.nodes[self].Right = r
	return self
}

// bestSplit 在随机特征子集上找 gini 加权最小的切分点
func (b *treeBuilder) bestSplit(idx []int) (int, float64, bool) {
	nf := len(b.X[idx[0]])
	features := b.r.Perm(nf)[:b.p.MaxFeatures]

	bestScore := 2.0
	bestFeature, bestThreshold := -1, 0.0
	sorted := make([]int, len(idx))
	total := len(idx)
	totalPos := 0
	for _, i := range idx {
		totalPos += b.y[i]
	}

	for _, f := range features {
		copy(sorted, idx)
		sort.Slice(sorted, func(a, c int) bool { return b.X[sorted[a]][f] < b.X[sorted[c]][f] })

		leftPos := 0
		for k := 1; k < total; k++ {
			leftPos += b.y[sorted[k-1]]
			lo, hi := b.X[sorted[k-1]][f], b.X[sorted[k]][f]
			if lo == hi {
				continue
			}
			score := weightedGini(k, leftPos, total-k, totalPos-leftPos)
			if score < bestScore {
				bestScore = score
				bestFeature = f
				bestThreshold = lo + (hi-lo)/2
			}
		}
	}
	return bestFeature, bestThreshold, bestFeature >= 0
}

func weightedGini(nl, pl, nr, pr int) float64 {
	g := func(n, p int) float64 {
		if n == 0 {
			return 0
		}
		q := float64(p) / float64(n)
		return 2 * q * (1 - q)
	}
	n := float64(nl + nr)
	return float64(nl)/n*g(nl, pl) + float64(nr)/n*g(nr, pr)
}

func isqrt(n int) int {
	r := 0
	for (r+1)*(r+1) <= n {
		r++
	}
	return r
}
