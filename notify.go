// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package starttls

// wakeChan is the level-triggered signal the transport's loop goroutine
// waits on. Every background op (socket read/write, engine handshake/
// read/write, post-handshake hook) notifies it on completion; the loop
// then polls every pending op rather than multiplexing a dynamic set of
// result channels through a single select. This is the Go analogue of the
// spec's "single driver per readiness edge" (SPEC_FULL.md §9): one signal
// fans in every event source, and one routine decides what to do about it.
type wakeChan chan struct{}

func newWakeChan() wakeChan {
	return make(wakeChan, 1)
}

// notify wakes the loop goroutine without blocking and without piling up
// redundant wake-ups: if one is already pending, this is a no-op.
func (w wakeChan) notify() {
	select {
	case w <- struct{}{}:
	default:
	}
}
