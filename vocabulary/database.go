package vocabulary

import (
	"sort"
	"sync"

	"github.com/viam-modules/viam-orbslam/slammap"
)

// KeyFrameDatabase is an inverted file from visual word to the keyframes
// containing it, queried for loop-closure candidates.
type KeyFrameDatabase struct {
	voc *Vocabulary

	mu           sync.RWMutex
	invertedFile map[uint32][]*slammap.KeyFrame
}

// NewKeyFrameDatabase returns an empty database over the given vocabulary.
func NewKeyFrameDatabase(voc *Vocabulary) *KeyFrameDatabase {
	return &KeyFrameDatabase{
		voc:          voc,
		invertedFile: make(map[uint32][]*slammap.KeyFrame),
	}
}

// Add indexes a keyframe under every word of its bag-of-words vector.
// Re-adding the same keyframe is a no-op.
func (db *KeyFrameDatabase) Add(kf *slammap.KeyFrame) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for word := range kf.BowVec {
		entries := db.invertedFile[word]
		dup := false
		for _, e := range entries {
			if e == kf {
				dup = true
				break
			}
		}
		if !dup {
			db.invertedFile[word] = append(entries, kf)
		}
	}
}

// Erase removes a keyframe from the inverted file.
func (db *KeyFrameDatabase) Erase(kf *slammap.KeyFrame) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for word := range kf.BowVec {
		entries := db.invertedFile[word]
		for i, e := range entries {
			if e == kf {
				db.invertedFile[word] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
	}
}

// Clear empties the database.
func (db *KeyFrameDatabase) Clear() {
	db.mu.Lock()
	db.invertedFile = make(map[uint32][]*slammap.KeyFrame)
	db.mu.Unlock()
}

// DetectLoopCandidates returns keyframes sharing visual words with kf whose
// bag-of-words score exceeds minScore, excluding kf itself and its covisible
// neighbors. Each match's score is accumulated over its covisibility group;
// groups scoring above 75% of the best group each contribute their
// best-scoring keyframe, and the result is ordered by keyframe id.
func (db *KeyFrameDatabase) DetectLoopCandidates(kf *slammap.KeyFrame, minScore float64) []*slammap.KeyFrame {
	connected := kf.ConnectedKeyFrames()

	sharedWords := make(map[*slammap.KeyFrame]int)
	db.mu.RLock()
	for word := range kf.BowVec {
		for _, candidate := range db.invertedFile[word] {
			if candidate == kf {
				continue
			}
			if _, isNeighbor := connected[candidate]; isNeighbor {
				continue
			}
			sharedWords[candidate]++
		}
	}
	db.mu.RUnlock()

	if len(sharedWords) == 0 {
		return nil
	}

	maxCommonWords := 0
	for _, n := range sharedWords {
		if n > maxCommonWords {
			maxCommonWords = n
		}
	}
	minCommonWords := int(0.8 * float64(maxCommonWords))

	type scored struct {
		kf    *slammap.KeyFrame
		score float64
	}
	var matches []scored
	matchScore := make(map[*slammap.KeyFrame]float64)
	for candidate, n := range sharedWords {
		if n <= minCommonWords || candidate.IsBad() {
			continue
		}
		score := db.voc.Score(kf.BowVec, candidate.BowVec)
		if score > minScore {
			matches = append(matches, scored{candidate, score})
			matchScore[candidate] = score
		}
	}
	if len(matches) == 0 {
		return nil
	}

	// Accumulate score over each candidate's covisibility group; a lone
	// high-scoring keyframe is less trustworthy than an agreeing group.
	type group struct {
		best     *slammap.KeyFrame
		accScore float64
	}
	var groups []group
	bestAccScore := minScore
	for _, match := range matches {
		accScore := match.score
		best := match.kf
		bestScore := match.score
		for _, neighbor := range match.kf.BestCovisibleKeyFrames(10) {
			score, ok := matchScore[neighbor]
			if !ok {
				continue
			}
			accScore += score
			if score > bestScore {
				best = neighbor
				bestScore = score
			}
		}
		groups = append(groups, group{best, accScore})
		if accScore > bestAccScore {
			bestAccScore = accScore
		}
	}

	minScoreToRetain := 0.75 * bestAccScore
	seen := make(map[*slammap.KeyFrame]struct{})
	var candidates []*slammap.KeyFrame
	for _, g := range groups {
		if g.accScore <= minScoreToRetain {
			continue
		}
		if _, dup := seen[g.best]; dup {
			continue
		}
		seen[g.best] = struct{}{}
		candidates = append(candidates, g.best)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	return candidates
}
