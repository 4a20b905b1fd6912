package slammap

import "github.com/viam-modules/viam-orbslam/geometry"

// KeyFrameSim3 maps keyframes to similarity transforms, used to hand
// corrected and non-corrected pose sets to the pose-graph optimizer.
type KeyFrameSim3 map[*KeyFrame]geometry.Sim3

// LoopConnections records, per keyframe, the covisibility edges newly created
// by a loop closure.
type LoopConnections map[*KeyFrame]map[*KeyFrame]struct{}
