package db

import "github.com/fediforge/apfedcore/activitypub"

var (
	_ activitypub.ActorRepo    = (*DB)(nil)
	_ activitypub.ActivityRepo = (*DB)(nil)
	_ activitypub.DeliveryRepo = (*DB)(nil)
)
