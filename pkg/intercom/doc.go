// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package intercom implements the bridge engine that relays messages between
// linked channels of independent communities.
//
// # Core Types
//
// [Engine] wires the components together and consumes platform events from
// a typed [Bus]. Platform adapters implement [Platform] and publish events
// into the engine.
//
// [LinkRegistry] stores links between channel pairs. A pair is unordered and
// linked at most once. New links go through the [Handshaker]: the target
// channel has to answer a one-time code before the link exists.
//
// [Relay] fans every inbound message out to the active peers of its channel
// through per-channel relay endpoints kept by the [WebhookRegistry].
//
// # Abuse Mitigation
//
// A community can silence another one, which makes every link request from
// it fail as if the channel type were unsupported. Unconfirmed requests are
// counted per community pair; once the count reaches the threshold the
// target community silences the requester automatically. With ban sync
// enabled on a link, messages from users banned in the receiving community
// are not relayed. Ban lists are cached by the [BanCache].
package intercom
