package packer

import (
	"context"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"loom/internal/pack"
)

// MaxPackCount returns how many packs a repository with the given number of
// revisions may hold before autopack consolidates: the sum of the decimal
// digits of the revision count.
func MaxPackCount(totalRevisions int) int {
	if totalRevisions <= 0 {
		return 1
	}
	result := 0
	for _, digit := range strconv.Itoa(totalRevisions) {
		result += int(digit - '0')
	}
	return result
}

// PackDistribution returns the target revision count of each pack: one pack
// per decimal digit, biggest first. 231 revisions become packs of
// 100, 100, 10, 10, 10, 1.
func PackDistribution(totalRevisions int) []int {
	if totalRevisions == 0 {
		return []int{0}
	}
	digits := strconv.Itoa(totalRevisions)
	var result []int
	size := 1
	for i := len(digits) - 1; i >= 0; i-- {
		count := int(digits[i] - '0')
		for j := 0; j < count; j++ {
			result = append(result, size)
		}
		size *= 10
	}
	sort.Sort(sort.Reverse(sort.IntSlice(result)))
	return result
}

// operation is one planned consolidation: the packs to combine and the
// revision count they carry together.
type operation struct {
	revisionCount int
	packs         []*pack.Pack
}

type packWithCount struct {
	count int
	pack  *pack.Pack
}

// planCombinations decides which packs to combine given the desired
// distribution. Packs already at or above the head of the distribution are
// left alone; smaller packs accumulate into combined operations.
func planCombinations(existing []packWithCount, distribution []int) []operation {
	if len(existing) <= len(distribution) {
		return nil
	}
	sort.Slice(existing, func(i, j int) bool {
		if existing[i].count != existing[j].count {
			return existing[i].count > existing[j].count
		}
		return existing[i].pack.Name > existing[j].pack.Name
	})

	operations := []operation{{}}
	for len(existing) > 0 {
		next := existing[0]
		existing = existing[1:]
		if len(distribution) > 0 && next.count >= distribution[0] {
			// already packed at least as well as the target; consume the
			// buckets it fills instead of rewriting it
			remaining := next.count
			for remaining > 0 && len(distribution) > 0 {
				remaining -= distribution[0]
				if remaining >= 0 {
					distribution = distribution[1:]
				} else {
					distribution[0] = -remaining
				}
			}
			continue
		}
		last := len(operations) - 1
		operations[last].revisionCount += next.count
		operations[last].packs = append(operations[last].packs, next.pack)
		if len(distribution) > 0 && operations[last].revisionCount >= distribution[0] {
			distribution = distribution[1:]
			operations = append(operations, operation{})
		}
	}

	// drop empty or single-pack no-ops
	var result []operation
	for _, op := range operations {
		if len(op.packs) > 1 {
			result = append(result, op)
		}
	}
	return result
}

// Autopack consolidates incrementally: it keeps the number of packs below
// MaxPackCount without global recompression. Returns true if any packing
// took place.
func Autopack(ctx context.Context, c *pack.Collection, logger *zap.Logger) (bool, error) {
	totalRevisions, err := c.CombinedIndex(pack.StreamRevisions).KeyCount()
	if err != nil {
		return false, err
	}
	allPacks := c.AllPacks()
	if MaxPackCount(totalRevisions) >= len(allPacks) {
		return false, nil
	}
	logger.Info("auto-packing repository",
		zap.Int("packs", len(allPacks)),
		zap.Int("revisions", totalRevisions),
		zap.Int("target_packs", MaxPackCount(totalRevisions)))

	var existing []packWithCount
	for _, pk := range allPacks {
		count, err := pk.RevisionCount()
		if err != nil {
			return false, err
		}
		if count == 0 {
			// revisionless packs come from signature-only writes; they
			// grow slowly and packing them would rewrite ancient history
			continue
		}
		existing = append(existing, packWithCount{count: count, pack: pk})
	}

	operations := planCombinations(existing, PackDistribution(totalRevisions))
	if len(operations) == 0 {
		return false, nil
	}
	return true, executeOperations(ctx, c, operations, ".autopack", logger)
}

func executeOperations(ctx context.Context, c *pack.Collection, operations []operation,
	suffix string, logger *zap.Logger) error {
	for _, op := range operations {
		p, err := New(c, op.packs, suffix, logger)
		if err != nil {
			return err
		}
		result, err := p.Pack(ctx)
		if err != nil {
			return err
		}
		if result == nil {
			// nothing was committed, so the sources must stay live
			continue
		}
		if err := c.ReplacePacks(op.packs); err != nil {
			return err
		}
	}
	return nil
}

// PackAll consolidates the whole collection into a single pack. Fewer than
// two packs is a no-op.
func PackAll(ctx context.Context, c *pack.Collection, logger *zap.Logger) error {
	allPacks := c.AllPacks()
	if len(allPacks) < 2 {
		return nil
	}
	total := 0
	for _, pk := range allPacks {
		count, err := pk.RevisionCount()
		if err != nil {
			return err
		}
		total += count
	}
	return executeOperations(ctx, c,
		[]operation{{revisionCount: total, packs: allPacks}}, ".pack", logger)
}
