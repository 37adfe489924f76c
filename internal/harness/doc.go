// Package harness runs declarative end-to-end scenarios against the truth
// layer engine.
//
// A scenario is a YAML file naming a sequence of steps (store, correct,
// ingest, reinterpret and relationship operations) and assertions over the
// final state. Each scenario runs against a fresh SQLite store with a
// deterministic clock and key generator, so two runs of the same scenario
// produce identical stores.
//
// Steps refer to the results of earlier steps by name:
//
//	steps:
//	  - as: ada
//	    op: store
//	    key: k1
//	    entities:
//	      - {entity_type: contact, email: ada@example.com, name: Ada}
//	  - op: relate.create
//	    type: REFERS_TO
//	    from: "@ada.entity"
//	    to: "@bob.entity"
//
// Entity ids are content-derived hashes, so results are compared through
// aliases (entity-1, entity-2, ...) assigned in first-seen order. The
// golden form of a run (see RunWithGolden) lists step outcomes and the
// final entities, relationships and timeline under those aliases.
//
// The "principles" assertion checks store-wide properties that must hold
// after any request sequence, such as every observed entity having a
// snapshot and every interpretation run having terminated.
package harness
