package analysis

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/h2non/filetype"
)

// SaveModel 以 gzip 压缩的 JSON 写入，先写临时文件再 rename
func SaveModel(path string, f *Forest) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".model-*")
	if err != nil {
		return fmt.Errorf("create temp model: %w", err)
	}
	defer os.Remove(tmp.Name())

	zw := gzip.NewWriter(tmp)
	if err := json.NewEncoder(zw).Encode(f); err != nil {
		tmp.Close()
		return fmt.Errorf("encode model: %w", err)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("compress model: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadModel 文件不存在时返回的错误满足 errors.Is(err, os.ErrNotExist)
// 通过文件头判断是否 gzip，未压缩的 JSON 也接受
func LoadModel(path string) (*Forest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var r io.Reader = bytes.NewReader(data)
	kind, _ := filetype.Match(data)
	if kind.Extension == "gz" {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("open compressed model: %w", err)
		}
		defer zr.Close()
		r = zr
	} else if kind != filetype.Unknown {
		return nil, fmt.Errorf("model %s has unexpected type %s", path, kind.Extension)
	}

	var f Forest
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("model %s: %w", path, err)
	}
	return &f, nil
}

// LoadOrTrain 没有持久化模型时同步训练并保存
// 保存失败不影响使用刚训练好的模型
func LoadOrTrain(path string, p TrainingParams) (f *Forest, accuracy float64, trained bool, err error) {
	f, err = LoadModel(path)
	if err == nil {
		return f, 0, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, 0, false, err
	}
	f, accuracy = Train(p)
	return f, accuracy, true, SaveModel(path, f)
}

func (f *Forest) validate() error {
	if f.NumFeatures != featureCount {
		return fmt.Errorf("expected %d features, got %d", featureCount, f.NumFeatures)
	}
	if len(f.Trees) == 0 {
		return errors.New("no trees")
	}
	for t, tree := range f.Trees {
		if len(tree.Nodes) == 0 {
			return fmt.Errorf("tree %d is empty", t)
		}
		for i, n := range tree.Nodes {
			if n.Left < 0 {
				continue
			}
			// 子节点总在父节点之后，避免环
			if n.Left <= i || n.Right <= i || n.Left >= len(tree.Nodes) || n.Right >= len(tree.Nodes) ||
				n.Feature < 0 || n.Feature >= f.NumFeatures {
				return fmt.Errorf("tree %d has a malformed node", t)
			}
		}
	}
	return nil
}
