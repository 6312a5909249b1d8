// Package unisub implements topic-based publish/subscribe on top of a
// single Postgres database, giving messages the durability of rows and
// the latency of LISTEN/NOTIFY.
//
// Delivery combines two modes:
//
//  1. Backlog drain: when a subscription starts, every message published
//     to its topic that was never processed is delivered in publication
//     order. Messages published while no subscriber was running are not
//     lost.
//
//  2. Live notifications: once the backlog is drained, an insert trigger
//     notifies the subscription of each new message over the store's
//     notification channel, and the message is delivered without polling.
//
// Every delivery runs inside a claim transaction that locks the message
// row without waiting (SKIP LOCKED) and marks it processed atomically
// with the handler's success. Concurrent subscribers on one topic
// therefore split the message stream between them, each message going to
// exactly one handler, and a crash mid-delivery leaves the message
// eligible for redelivery.
//
// This package provides:
//   - A `PubSub` engine handle created by Open (connection string) or New
//     (existing *sql.DB), carrying topic management, Publish and
//     Subscribe.
//   - A `Migrate` function installing the schema the engine expects,
//     including the notification trigger.
//   - Cooperative shutdown: Shutdown makes every Subscribe call return
//     after finishing its in-flight message.
//
// Handlers must tolerate redelivery: a message whose handler failed, or
// whose subscriber crashed before commit, is delivered again later.
package unisub
