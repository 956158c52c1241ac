// Package turkserver assigns crowdsourced participants to synchronous group
// experiments.
//
// A Batch is the composition root for one experiment campaign: it owns the
// lobby (the holding pool plus signal bus), the experiment manager (instance,
// assignment and worker records behind a revisioned Store), and the active
// assignment policy. The connection layer reports connects, reconnects and
// disconnects; the batch ensures the participant's durable records, asks the
// installed policy where the participant goes, and routes them there.
//
// # Quick Start
//
// Basic usage with the in-memory store and the sequential fill policy:
//
//	cfg := turkserver.DefaultConfig()
//	cfg.BatchID = "pilot-1"
//	cfg.GroupingMode = turkserver.GroupingBySize
//	cfg.GroupValue = 4
//
//	batch, err := turkserver.NewBatch(cfg, memory.New())
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := batch.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer batch.Stop()
//
//	if err := batch.SetAssigner(ctx, assigner.NewSequential()); err != nil {
//		log.Fatal(err)
//	}
//
//	dec, err := batch.HandleConnect(ctx, turkserver.Connection{
//		UserID:   "user-1",
//		WorkerID: "worker-1",
//	})
//
// # Key Pieces
//
//   - Stores: store/memory for development and tests, store/pebble for a
//     single persistent process, store/natskv (NATS JetStream KV) for a
//     shared multi-process deployment.
//   - Assignment policies: package assigner ships Sequential, RoundRobin,
//     TutorialGroup and TutorialMultiGroup; custom policies implement
//     assigner.Assigner.
//   - Lobby signals: external triggers (auto-assign, reset-multi-groups)
//     arrive on the lobby signal bus, optionally bridged from NATS subjects.
//   - Administration: package admin wraps the marketplace client and bulk
//     email behind an authorization predicate.
package turkserver
