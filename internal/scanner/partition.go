package scanner

// Partition 一个 worker 负责的连续区块范围 (End, Start]，从 Start 向下扫描
type Partition struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// Size 分区包含的区块数
func (p Partition) Size() uint64 {
	if p.Start <= p.End {
		return 0
	}
	return p.Start - p.End
}

// Partitions 把 (end, start] 切成最多 workers 个连续分区，较高的分区先分到余数
func Partitions(start, end uint64, workers int) []Partition {
	if start <= end {
		return nil
	}
	total := start - end
	if workers < 1 {
		workers = 1
	}
	if uint64(workers) > total {
		workers = int(total)
	}

	size := total / uint64(workers)
	remainder := total % uint64(workers)

	parts := make([]Partition, 0, workers)
	hi := start
	for i := 0; i < workers; i++ {
		n := size
		if uint64(i) < remainder {
			n++
		}
		parts = append(parts, Partition{Start: hi, End: hi - n})
		hi -= n
	}
	return parts
}
