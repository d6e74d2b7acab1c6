// Package tgui renders chat messages for Telegram's HTML parse mode:
// escaping helpers and a small line builder for status cards and alerts.
package tgui
