package analysis

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/Hara602/duckguard/internal/model"
)

// 防止所有按键时间戳相同时除零
const durationEpsilon = 1e-3

// 模型输入维度
const featureCount = 6

// Keystroke 一次按键：时间戳 (秒) + 键名
type Keystroke struct {
	Timestamp float64
	Key       string
}

// KeystrokeWindow 固定时长内采集到的按键序列，只在一次分析中存在
type KeystrokeWindow []Keystroke

// FeatureVector 从采集窗口提取的特征
type FeatureVector struct {
	TotalKeys         int
	AvgKeysPerSecond  float64
	ErrorRate         float64
	CommandRate       float64
	KeywordRate       float64
	InterKeyVariance  float64
	TerminalTriggered bool
	TypedText         string // 仅用于诊断
}

// Vector 模型输入的特征顺序，训练和推理必须一致
func (f *FeatureVector) Vector() []float64 {
	return []float64{
		f.AvgKeysPerSecond,
		f.ErrorRate,
		f.CommandRate,
		f.KeywordRate,
		float64(f.TotalKeys),
		f.InterKeyVariance,
	}
}

var (
	errorKeys   = map[string]bool{"backspace": true, "delete": true}
	commandKeys = map[string]bool{"enter": true, "return": true}
	// 终端程序名 + 回车
	shellTokens = map[string]bool{"cmd": true, "powershell": true, "terminal": true, "bash": true, "sh": true, "zsh": true}
	// 运行对话框键 + r
	runDialogKeys = map[string]bool{"win": true, "cmd": true}
	// 组合键修饰符，后面紧跟的字符单独成 token
	chordModifiers = map[string]bool{"win": true, "cmd": true, "ctrl": true, "alt": true}
)

// Extract 按键少于 2 个时没有时序信息，返回 ErrInsufficientSignal
func Extract(window KeystrokeWindow) (*FeatureVector, error) {
	n := len(window)
	if n < 2 {
		return nil, model.ErrInsufficientSignal
	}

	diffs := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		diffs = append(diffs, window[i].Timestamp-window[i-1].Timestamp)
	}
	duration := window[n-1].Timestamp - window[0].Timestamp

	tokens := Tokenize(window)
	var errs, cmds int
	for _, t := range tokens {
		if errorKeys[t] {
			errs++
		}
		if commandKeys[t] {
			cmds++
		}
	}
	denom := float64(max(1, n))
	typed := strings.Join(tokens, " ")

	return &FeatureVector{
		TotalKeys:         n,
		AvgKeysPerSecond:  float64(n) / (duration + durationEpsilon),
		ErrorRate:         float64(errs) / denom,
		CommandRate:       float64(cmds) / denom,
		KeywordRate:       keywordRate(typed),
		InterKeyVariance:  variance(diffs),
		TerminalTriggered: terminalTriggered(tokens),
		TypedText:         typed,
	}, nil
}

// Tokenize 把按键流还原成 "单词"
// 连续可打印字符拼成一个词；空格结束当前词；其他命名键结束当前词并单独成为一个 token
func Tokenize(window KeystrokeWindow) []string {
	var tokens []string
	var word strings.Builder
	flush := func() {
		if word.Len() > 0 {
			tokens = append(tokens, word.String())
			word.Reset()
		}
	}

	prev := ""
	for _, ks := range window {
		k := CanonicalKey(ks.Key)
		switch {
		case k == "space":
			flush()
		case isPrintableChar(k):
			if chordModifiers[prev] {
				// win+r 这类组合键：字符单独成 token
				flush()
				tokens = append(tokens, k)
			} else {
				word.WriteString(k)
			}
		default:
			flush()
			tokens = append(tokens, k)
		}
		prev = k
	}
	flush()
	return tokens
}

// CanonicalKey 统一键名："Key.cmd_r" -> "cmd", "Win_L" -> "win"
func CanonicalKey(key string) string {
	if key == " " {
		return "space"
	}
	k := strings.ToLower(key)
	if utf8.RuneCountInString(k) == 1 {
		return k
	}
	k = strings.TrimPrefix(k, "key.")
	// 左右两个物理键视为同一个
	for _, side := range []string{"_l", "_r", "_left", "_right"} {
		if strings.HasSuffix(k, side) && len(k) > len(side) {
			k = strings.TrimSuffix(k, side)
			break
		}
	}
	switch k {
	case "super", "meta", "leftmeta", "rightmeta", "gui", "windows":
		return "win"
	case "leftctrl", "rightctrl", "control":
		return "ctrl"
	case "leftalt", "rightalt", "alt_gr":
		return "alt"
	case "leftshift", "rightshift":
		return "shift"
	case "esc":
		return "escape"
	}
	return k
}

func isPrintableChar(k string) bool {
	r, size := utf8.DecodeRuneInString(k)
	return size == len(k) && r != utf8.RuneError && unicode.IsPrint(r) && !unicode.IsSpace(r)
}

func terminalTriggered(tokens []string) bool {
	for i := 0; i+1 < len(tokens); i++ {
		k1, k2 := tokens[i], tokens[i+1]
		if runDialogKeys[k1] && k2 == "r" {
			return true
		}
		if shellTokens[k1] && commandKeys[k2] {
			return true
		}
		if k1 == "sudo" && k2 == "apt" {
			return true
		}
	}
	return false
}

// variance 总体方差
func variance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var sum float64
	for _, x := range xs {
		d := x - mean
		sum += d * d
	}
	return sum / float64(len(xs))
}
