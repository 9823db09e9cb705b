package dataloader

import (
	"io"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	"github.com/tsawler/go-latex-ocr/tensor"
	"github.com/tsawler/go-latex-ocr/vision/preprocessing"
	"k8s.io/klog/v2"
)

// Dataset is the sample source a DataLoader batches. Every bucket groups
// samples whose images share one size, so a batch never mixes sizes.
type Dataset interface {
	Len() int
	GetItem(index int) (imagePath string, tokens []int, err error)
	Buckets() [][]int
}

// Batch is one collated group of samples.
type Batch struct {
	Images        *tensor.Tensor // [N, C, H, W]
	InputIDs      [][]int        // BOS, tokens, EOS, then PAD to the longest row
	AttentionMask [][]bool       // false on padding
}

// Size is the number of samples in the batch.
func (b *Batch) Size() int {
	return len(b.InputIDs)
}

// Slice returns samples [from, to). Image storage is shared with b.
func (b *Batch) Slice(from, to int) (*Batch, error) {
	if from < 0 || to > b.Size() || from >= to {
		return nil, errors.Errorf("invalid batch slice [%d, %d) of %d", from, to, b.Size())
	}
	images, err := b.Images.SliceOuter(from, to)
	if err != nil {
		return nil, err
	}
	return &Batch{
		Images:        images,
		InputIDs:      b.InputIDs[from:to],
		AttentionMask: b.AttentionMask[from:to],
	}, nil
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize          int
	KeepSmallerBatches bool
	Shuffle            bool
	Seed               int64
	MaxSeqLen          int
	PadToken           int
	BOSToken           int
	EOSToken           int
	NumWorkers         int // parallel image decoders per batch
	MaxCacheSize       int // used when CacheManager is nil
	Processor          *preprocessing.ImageProcessor
	Augmenter          *preprocessing.Augmenter // training-time distortions, nil for evaluation
	CacheManager       *CacheManager            // optional shared cache
}

// DataLoader yields batches of one epoch at a time. Batches are formed
// within size buckets; with Shuffle the composition and order of batches
// depend only on the seed and the epoch, so a resumed run sees the same
// sequence.
type DataLoader struct {
	dataset Dataset
	cfg     Config
	cache   *CacheManager

	mu       sync.Mutex
	epoch    int
	batches  [][]int
	position int
	length   int
}

// NewDataLoader creates a new data loader positioned at epoch 0.
func NewDataLoader(dataset Dataset, cfg Config) (*DataLoader, error) {
	if cfg.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.Processor == nil {
		return nil, errors.New("data loader needs an image processor")
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}

	cache := cfg.CacheManager
	if cache == nil {
		cache = NewCacheManager(cfg.MaxCacheSize)
	}

	dl := &DataLoader{dataset: dataset, cfg: cfg, cache: cache}
	for _, bucket := range dataset.Buckets() {
		dl.length += len(bucket) / cfg.BatchSize
		if cfg.KeepSmallerBatches && len(bucket)%cfg.BatchSize != 0 {
			dl.length++
		}
	}
	dl.Reset(0)
	return dl, nil
}

// Len is the number of batches per epoch, degenerate ones included.
func (dl *DataLoader) Len() int {
	return dl.length
}

// Reset rewinds to the start of epoch.
func (dl *DataLoader) Reset(epoch int) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	var rng *rand.Rand
	if dl.cfg.Shuffle {
		rng = rand.New(rand.NewSource(dl.cfg.Seed + int64(epoch)))
	}

	dl.epoch = epoch
	dl.batches = dl.batches[:0]
	for _, bucket := range dl.dataset.Buckets() {
		indices := append([]int(nil), bucket...)
		if rng != nil {
			rng.Shuffle(len(indices), func(i, j int) {
				indices[i], indices[j] = indices[j], indices[i]
			})
		}
		for start := 0; start < len(indices); start += dl.cfg.BatchSize {
			end := min(start+dl.cfg.BatchSize, len(indices))
			if end-start < dl.cfg.BatchSize && !dl.cfg.KeepSmallerBatches {
				break
			}
			dl.batches = append(dl.batches, indices[start:end])
		}
	}
	if rng != nil {
		rng.Shuffle(len(dl.batches), func(i, j int) {
			dl.batches[i], dl.batches[j] = dl.batches[j], dl.batches[i]
		})
	}
	dl.position = 0
}

// Next loads the next batch. It returns io.EOF once the epoch is exhausted
// and a nil batch with a nil error for a degenerate batch whose longest
// sequence exceeds MaxSeqLen.
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	if dl.position >= len(dl.batches) {
		return nil, io.EOF
	}
	indices := dl.batches[dl.position]
	dl.position++

	paths := make([]string, len(indices))
	rows := make([][]int, len(indices))
	longest := 0
	for i, idx := range indices {
		path, tokens, err := dl.dataset.GetItem(idx)
		if err != nil {
			return nil, err
		}
		paths[i] = path
		rows[i] = tokens
		longest = max(longest, len(tokens)+2)
	}
	if dl.cfg.MaxSeqLen > 0 && longest > dl.cfg.MaxSeqLen {
		klog.V(4).Infof("skipping batch %d: sequence length %d exceeds %d", dl.position-1, longest, dl.cfg.MaxSeqLen)
		return nil, nil
	}

	images, err := dl.loadImages(paths, indices)
	if err != nil {
		return nil, err
	}

	batch := &Batch{
		Images:        images,
		InputIDs:      make([][]int, len(rows)),
		AttentionMask: make([][]bool, len(rows)),
	}
	for i, tokens := range rows {
		ids := make([]int, longest)
		mask := make([]bool, longest)
		ids[0] = dl.cfg.BOSToken
		copy(ids[1:], tokens)
		ids[len(tokens)+1] = dl.cfg.EOSToken
		for j := range ids {
			if j < len(tokens)+2 {
				mask[j] = true
			} else {
				ids[j] = dl.cfg.PadToken
			}
		}
		batch.InputIDs[i] = ids
		batch.AttentionMask[i] = mask
	}
	return batch, nil
}

// loadImages decodes (through the cache), augments and preprocesses paths
// on a small worker pool and stacks the results into [N, C, H, W]. indices
// are the dataset indices of paths and key the augmentation draws.
func (dl *DataLoader) loadImages(paths []string, indices []int) (*tensor.Tensor, error) {
	results := make([]*preprocessing.ProcessedImage, len(paths))
	errs := make([]error, len(paths))

	jobs := make(chan int, len(paths))
	var wg sync.WaitGroup
	for w := 0; w < min(dl.cfg.NumWorkers, len(paths)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i], errs[i] = dl.loadImage(paths[i], indices[i])
			}
		}()
	}
	for i := range paths {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load image %s", paths[i])
		}
	}

	first := results[0]
	images, err := tensor.New(len(results), first.Channels, first.Height, first.Width)
	if err != nil {
		return nil, err
	}
	stride := len(first.Data)
	for i, img := range results {
		if img.Width != first.Width || img.Height != first.Height {
			return nil, errors.Errorf("image %s is %dx%d, batch expects %dx%d",
				paths[i], img.Width, img.Height, first.Width, first.Height)
		}
		copy(images.Data[i*stride:(i+1)*stride], img.Data)
	}
	return images, nil
}

func (dl *DataLoader) loadImage(path string, index int) (*preprocessing.ProcessedImage, error) {
	img, ok := dl.cache.Get(path)
	if !ok {
		var err error
		img, err = preprocessing.LoadImage(path)
		if err != nil {
			return nil, err
		}
		dl.cache.Put(path, img)
	}
	if dl.cfg.Augmenter != nil {
		img = dl.cfg.Augmenter.Augment(img, dl.epoch, index)
	}
	return dl.cfg.Processor.Preprocess(img)
}

// Stats returns cache statistics
func (dl *DataLoader) Stats() string {
	return dl.cache.Stats().String()
}

// Progress returns the current position within the epoch
func (dl *DataLoader) Progress() (current, total int) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.position, len(dl.batches)
}

// GetCacheManager returns the cache manager for sharing between DataLoaders
func (dl *DataLoader) GetCacheManager() *CacheManager {
	return dl.cache
}
