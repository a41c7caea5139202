// Package notify announces high-value records to chat and webhook targets.
//
// Notify never blocks: records go onto a bounded queue and overflow is
// dropped. Run drains the queue on its own goroutine, paces deliveries with a
// token bucket (Discord and Slack both rate limit incoming webhooks) and
// sends each notification to every configured target. Delivery failures are
// logged and counted; they never reach the ingest path.
//
// Targets: Discord webhooks (embeds), the Discord bot channel-message API,
// Slack incoming webhooks, Teams MessageCards and generic HTTP JSON.
package notify
