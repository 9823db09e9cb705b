package dataloader

// NewSharedDataLoaders creates the training and validation loaders over one
// image cache sized for both datasets. The training loader shuffles and
// augments; the validation loader shuffles but never augments.
func NewSharedDataLoaders(trainDataset, valDataset Dataset, trainCfg, valCfg Config) (*DataLoader, *DataLoader, error) {
	cacheSize := trainCfg.MaxCacheSize
	if cacheSize == 0 {
		cacheSize = trainDataset.Len() + valDataset.Len()
	}
	shared := NewCacheManager(cacheSize)

	trainCfg.CacheManager = shared
	trainCfg.Shuffle = true
	trainLoader, err := NewDataLoader(trainDataset, trainCfg)
	if err != nil {
		return nil, nil, err
	}

	valCfg.CacheManager = shared
	valCfg.Shuffle = true
	valCfg.Augmenter = nil
	valLoader, err := NewDataLoader(valDataset, valCfg)
	if err != nil {
		return nil, nil, err
	}
	return trainLoader, valLoader, nil
}
