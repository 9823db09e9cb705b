package dataset

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/tsawler/go-latex-ocr/vision/preprocessing"
	"k8s.io/klog/v2"
)

// File layout of a dataset directory.
const (
	FormulasFile = "formulas.txt"
	ImagesDir    = "images"
)

// Sample is one formula image.
type Sample struct {
	Path    string
	Formula string
	Tokens  []int
	Width   int
	Height  int
}

// Im2LatexDataset pairs rendered formula images with their LaTeX source.
// The directory holds formulas.txt, one formula per line, and images/ whose
// file names are the zero-based line numbers (e.g. images/0000042.png).
type Im2LatexDataset struct {
	root    string
	samples []Sample
	buckets [][]int
}

// ReadFormulas returns every line of root/formulas.txt.
func ReadFormulas(root string) ([]string, error) {
	file, err := os.Open(filepath.Join(root, FormulasFile))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open formulas")
	}
	defer file.Close()

	var formulas []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		formulas = append(formulas, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read formulas")
	}
	return formulas, nil
}

// Load indexes the dataset at root, tokenizing every formula with tok.
func Load(root string, tok *Tokenizer) (*Im2LatexDataset, error) {
	formulas, err := ReadFormulas(root)
	if err != nil {
		return nil, err
	}

	files, err := filepath.Glob(filepath.Join(root, ImagesDir, "*"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list images")
	}
	sort.Strings(files)

	d := &Im2LatexDataset{root: root}
	bySize := make(map[[2]int][]int)
	for _, path := range files {
		base := filepath.Base(path)
		line, err := strconv.Atoi(strings.TrimSuffix(base, filepath.Ext(base)))
		if err != nil {
			continue
		}
		if line < 0 || line >= len(formulas) || formulas[line] == "" {
			klog.Warningf("image %s has no formula, skipping", path)
			continue
		}

		w, h, err := preprocessing.ImageSize(path)
		if err != nil {
			klog.Warningf("skipping unreadable image: %v", err)
			continue
		}

		idx := len(d.samples)
		d.samples = append(d.samples, Sample{
			Path:    path,
			Formula: formulas[line],
			Tokens:  tok.Encode(formulas[line]),
			Width:   w,
			Height:  h,
		})
		key := [2]int{h, w}
		bySize[key] = append(bySize[key], idx)
	}

	if len(d.samples) == 0 {
		return nil, errors.Errorf("no images found in %s", root)
	}

	keys := make([][2]int, 0, len(bySize))
	for k := range bySize {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})
	for _, k := range keys {
		d.buckets = append(d.buckets, bySize[k])
	}

	klog.V(2).Infof("loaded %s: %d samples in %d size buckets", root, len(d.samples), len(d.buckets))
	return d, nil
}

// Len returns the number of items in the dataset
func (d *Im2LatexDataset) Len() int {
	return len(d.samples)
}

// GetItem returns the image path and token ids at the given index
func (d *Im2LatexDataset) GetItem(index int) (string, []int, error) {
	if index < 0 || index >= len(d.samples) {
		return "", nil, errors.Errorf("index %d out of range [0, %d)", index, len(d.samples))
	}
	s := d.samples[index]
	return s.Path, s.Tokens, nil
}

// Sample returns the full record at index.
func (d *Im2LatexDataset) Sample(index int) Sample {
	return d.samples[index]
}

// Buckets groups sample indices by identical image size, ordered by
// height then width.
func (d *Im2LatexDataset) Buckets() [][]int {
	return d.buckets
}

// String returns a string representation of the dataset
func (d *Im2LatexDataset) String() string {
	return fmt.Sprintf("Im2LatexDataset(%s): %d samples, %d size buckets", d.root, len(d.samples), len(d.buckets))
}
