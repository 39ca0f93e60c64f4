// Package chats provides a provider-agnostic data model for the messages that
// make up a batch request.
//
// It is organized into sub-packages:
//   - [github.com/germanamz/batchman/pkg/chats/role]: message roles (system, user, assistant)
//   - [github.com/germanamz/batchman/pkg/chats/content]: message content: a plain string or text/image parts
//   - [github.com/germanamz/batchman/pkg/chats/message]: role-tagged messages
//
// No provider or API code is included: chats is a foundation layer
// that backends translate into their own wire formats.
package chats
