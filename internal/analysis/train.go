package analysis

import (
	"math/rand/v2"
)

// gaussian 一个特征的正态分布参数
type gaussian struct{ mean, std float64 }

// 特征顺序与 FeatureVector.Vector 一致：
// avg speed, error rate, command rate, keyword rate, total keys (5s), variance
var (
	humanProfile = [6]gaussian{{3, 1.5}, {0.08, 0.04}, {0.03, 0.02}, {0.01, 0.01}, {15, 5}, {0.4, 0.15}}
	duckyProfile = [6]gaussian{{120, 20}, {0.005, 0.003}, {0.25, 0.1}, {0.20, 0.05}, {500, 50}, {0.05, 0.02}}
)

type TrainingParams struct {
	SamplesPerClass int
	TestFraction    float64
	Forest          ForestParams
}

func DefaultTrainingParams() TrainingParams {
	return TrainingParams{
		SamplesPerClass: 500,
		TestFraction:    0.3,
		Forest: ForestParams{
			Trees:    100,
			MaxDepth: 10,
			Seed:     42,
		},
	}
}

// GenerateTrainingData 合成两类样本：人工输入 (慢、错误多) 和 ducky (快、几乎无错、命令多)
func GenerateTrainingData(r *rand.Rand, perClass int) ([][]float64, []int) {
	X := make([][]float64, 0, 2*perClass)
	y := make([]int, 0, 2*perClass)
	for label, profile := range [][6]gaussian{humanProfile, duckyProfile} {
		for i := 0; i < perClass; i++ {
			row := make([]float64, len(profile))
			for j, g := range profile {
				row[j] = g.mean + g.std*r.NormFloat64()
			}
			X = append(X, row)
			y = append(y, label)
		}
	}
	return X, y
}

// StratifiedSplit 每个类别按相同比例切出测试集
func StratifiedSplit(r *rand.Rand, X [][]float64, y []int, testFraction float64) (xTrain [][]float64, yTrain []int, xTest [][]float64, yTest []int) {
	byLabel := map[int][]int{}
	for i, label := range y {
		byLabel[label] = append(byLabel[label], i)
	}
	for _, label := range []int{labelHuman, labelDucky} {
		idx := byLabel[label]
		r.Shuffle(len(idx), func(a, b int) { idx[a], idx[b] = idx[b], idx[a] })
		nTest := int(float64(len(idx))*testFraction + 0.5)
		for k, i := range idx {
			if k < nTest {
				xTest = append(xTest, X[i])
				yTest = append(yTest, y[i])
			} else {
				xTrain = append(xTrain, X[i])
				yTrain = append(yTrain, y[i])
			}
		}
	}
	return xTrain, yTrain, xTest, yTest
}

// Accuracy 测试集准确率 (0..1)
func Accuracy(f *Forest, X [][]float64, y []int) float64 {
	if len(X) == 0 {
		return 0
	}
	correct := 0
	for i, row := range X {
		label := labelHuman
		if f.Proba(row) > 0.5 {
			label = labelDucky
		}
		if label == y[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(X))
}

// Train 生成数据、分层切分、训练，返回模型和测试集准确率 (只记录，不作为门槛)
func Train(p TrainingParams) (*Forest, float64) {
	r := rand.New(rand.NewPCG(p.Forest.Seed, p.Forest.Seed+1))
	X, y := GenerateTrainingData(r, p.SamplesPerClass)
	xTrain, yTrain, xTest, yTest := StratifiedSplit(r, X, y, p.TestFraction)
	forest := TrainForest(xTrain, yTrain, p.Forest)
	return forest, Accuracy(forest, xTest, yTest)
}
