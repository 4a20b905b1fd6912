package loopclosing

import (
	"time"

	"go.viam.com/rdk/logging"

	"github.com/viam-modules/viam-orbslam/geometry"
	"github.com/viam-modules/viam-orbslam/slammap"
)

// mapperStopPollInterval is how often the corrector polls the local mapper
// while waiting for it to stop.
const mapperStopPollInterval = time.Millisecond

// Corrector applies an accepted loop: it pauses the local mapper, propagates
// the similarity correction through the current keyframe's covisible
// neighborhood, fuses duplicated map points across the loop, optimizes the
// pose graph and spawns a fresh global bundle adjustment.
type Corrector struct {
	m           *slammap.Map
	localMapper LocalMapper
	gba         *GlobalBundleTask
	matcher     Matcher
	optimizer   Optimizer
	params      Params
	logger      logging.Logger
}

// NewCorrector returns a corrector over the given collaborators.
func NewCorrector(
	m *slammap.Map,
	gba *GlobalBundleTask,
	matcher Matcher,
	optimizer Optimizer,
	params Params,
	logger logging.Logger,
) *Corrector {
	return &Corrector{
		m:         m,
		gba:       gba,
		matcher:   matcher,
		optimizer: optimizer,
		params:    params,
		logger:    logger,
	}
}

// SetLocalMapper wires the local mapper the corrector pauses around map
// rewrites.
func (c *Corrector) SetLocalMapper(lm LocalMapper) {
	c.localMapper = lm
}

// Correct rewrites the map for an accepted loop.
func (c *Corrector) Correct(currentKF *slammap.KeyFrame, loop *Loop) {
	c.logger.Infow("correcting loop", "currentKF", currentKF.ID, "matchedKF", loop.MatchedKF.ID)

	// Freeze keyframe insertion while the map is rewritten.
	c.localMapper.RequestStop()

	// A running global bundle adjustment is stale the moment a newer loop
	// lands.
	if c.gba.IsRunning() {
		c.gba.Stop()
	}

	for !c.localMapper.IsStopped() {
		time.Sleep(mapperStopPollInterval)
	}

	currentKF.UpdateConnections()
	connectedKFs := append(currentKF.CovisibleKeyFrames(), currentKF)

	corrected := make(slammap.KeyFrameSim3, len(connectedKFs))
	nonCorrected := make(slammap.KeyFrameSim3, len(connectedKFs))
	corrected[currentKF] = loop.Scw
	twc := currentKF.Pose().Inverse()

	c.m.UpdateMu.Lock()

	for _, kf := range connectedKFs {
		tiw := kf.Pose()
		if kf != currentKF {
			tic := tiw.Mul(twc)
			corrected[kf] = geometry.Sim3FromPose(tic).Mul(loop.Scw)
		}
		nonCorrected[kf] = geometry.Sim3FromPose(tiw)
	}

	// Move every observed map point to the loop-aligned side, then write the
	// corrected poses back.
	for kf, correctedSiw := range corrected {
		correction := correctedSiw.Inverse().Mul(nonCorrected[kf])
		for _, mp := range kf.MapPointMatches() {
			if mp == nil || mp.IsBad() || mp.CorrectedByKF == currentKF.ID {
				continue
			}
			mp.SetPosition(correction.Map(mp.Position()))
			mp.CorrectedByKF = currentKF.ID
			mp.CorrectedReference = kf.ID
			mp.UpdateNormalAndDepth()
		}

		kf.SetPose(correctedSiw.Pose())
		kf.UpdateConnections()
	}

	// Fuse the loop-side matches into the current keyframe.
	for slot, loopMP := range loop.MatchedPoints {
		if loopMP == nil {
			continue
		}
		if currMP := currentKF.MapPoint(slot); currMP != nil {
			currMP.Replace(loopMP)
		} else {
			currentKF.AddMapPoint(loopMP, slot)
			loopMP.AddObservation(currentKF, slot)
			loopMP.ComputeDistinctiveDescriptors()
		}
	}

	c.m.UpdateMu.Unlock()

	c.fuseLoopPoints(corrected, loop)

	loopConnections := c.detectLoopConnections(connectedKFs, currentKF)

	c.optimizer.OptimizeEssentialGraph(c.m, loop.MatchedKF, currentKF, nonCorrected, corrected, loopConnections, c.params.FixScale)

	c.m.InformNewBigChange()

	loop.MatchedKF.AddLoopEdge(currentKF)
	currentKF.AddLoopEdge(loop.MatchedKF)

	c.gba.Run(currentKF.ID)

	c.localMapper.Release()
	c.logger.Infow("loop closed", "currentKF", currentKF.ID)
}

// fuseLoopPoints projects the whole loop-side point set into every corrected
// keyframe. Duplicates reported by the fuser are replaced by their loop-side
// counterparts under the map lock.
func (c *Corrector) fuseLoopPoints(corrected slammap.KeyFrameSim3, loop *Loop) {
	for kf, scw := range corrected {
		replacements := make([]*slammap.MapPoint, len(loop.LoopMapPoints))
		c.matcher.Fuse(kf, scw, loop.LoopMapPoints, c.params.FuseSearchRadius, replacements)

		c.m.UpdateMu.Lock()
		for i, duplicate := range replacements {
			if duplicate != nil {
				duplicate.Replace(loop.LoopMapPoints[i])
			}
		}
		c.m.UpdateMu.Unlock()
	}
}

// detectLoopConnections refreshes covisibility for the corrected
// neighborhood and returns, per keyframe, the edges that appeared through
// the fusion: the new covisible set minus the pre-fusion neighbors and minus
// the corrected neighborhood itself.
func (c *Corrector) detectLoopConnections(connectedKFs []*slammap.KeyFrame, currentKF *slammap.KeyFrame) slammap.LoopConnections {
	loopConnections := make(slammap.LoopConnections, len(connectedKFs))
	for _, kf := range connectedKFs {
		prevNeighbors := kf.CovisibleKeyFrames()

		kf.UpdateConnections()
		connections := kf.ConnectedKeyFrames()

		for _, prev := range prevNeighbors {
			delete(connections, prev)
		}
		for _, neighbor := range connectedKFs {
			delete(connections, neighbor)
		}
		loopConnections[kf] = connections
	}
	return loopConnections
}
