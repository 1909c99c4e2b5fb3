package usbuart

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// loop runs one pump round. The ordering is fixed:
//
//  1. build the combined poll vector: the engine wake descriptor
//     followed by the channel-subscribed descriptors
//  2. poll once with the caller's timeout
//  3. hand descriptor readiness to the owning channels; subscriptions
//     are one-shot
//  4. handle transfer completions, whatever poll returned
//  5. pump every channel whose flags were set
//  6. if anything waits on the delete list, let cancellations complete
//     and reap under the exclusive lock
//
// A negative timeout means no wait.
func (b *backend) loop(timeoutMs int) (int, error) {
	if timeoutMs < 0 {
		timeoutMs = 0
	}
	timeout := time.Duration(timeoutMs) * time.Millisecond

	b.pollmu.Lock()
	fds := make([]unix.PollFd, 0, len(b.pollList)+1)
	fds = append(fds, unix.PollFd{Fd: int32(b.eng.WakeFD()), Events: unix.POLLIN})
	fds = append(fds, b.pollList...)
	b.pollmu.Unlock()

	polled, err := unix.Poll(fds, timeoutMs)
	if err != nil {
		switch err {
		case unix.EINVAL:
			return 0, PollError
		case unix.EAGAIN, unix.EINTR:
			polled = 0
		default:
			return 0, fmt.Errorf("%w: %v", IOError, err)
		}
	}

	if polled > 0 {
		b.dispatchPollEvents(fds[1:])
	}

	b.eng.HandleEvents(timeout)

	b.chmu.RLock()
	if b.pending {
		for _, fc := range b.channels {
			if !fc.removed.Load() {
				fc.events()
			}
		}
		b.pending = false
	}
	if b.pendingDeletes() > 0 {
		b.eng.HandleEvents(timeout)
		b.chmu.Upgrade()
		b.cleanup()
		live := len(b.channels)
		b.chmu.Unlock()
		return loopResult(polled, live)
	}
	live := len(b.channels)
	b.chmu.RUnlock()
	return loopResult(polled, live)
}

func loopResult(polled, live int) (int, error) {
	if polled == 0 && live == 0 {
		return 0, NoChannels
	}
	return polled, nil
}

// dispatchPollEvents routes descriptor readiness to channels and drops
// each fired descriptor from the poll list.
func (b *backend) dispatchPollEvents(fds []unix.PollFd) {
	b.chmu.RLock()
	defer b.chmu.RUnlock()
	for _, pfd := range fds {
		if pfd.Revents == 0 {
			continue
		}
		fd := int(pfd.Fd)
		b.pollRemove(fd)
		fc := b.channelByFDLocked(fd)
		if fc == nil {
			continue
		}
		fc.setEvents(pfd.Revents, fd == fc.fdrd)
		b.pending = true
	}
}

func (b *backend) channelByFDLocked(fd int) *fileChannel {
	for _, fc := range b.channels {
		if fc.removed.Load() {
			continue
		}
		if fc.fdrd == fd || fc.fdwr == fd {
			return fc
		}
	}
	return nil
}

// pollRequest subscribes a descriptor for exactly one poll round. The
// engine posts these from the pipe pumps when a half would block.
func (b *backend) pollRequest(fd int, events int16) {
	b.pollmu.Lock()
	defer b.pollmu.Unlock()
	for _, pfd := range b.pollList {
		if int(pfd.Fd) == fd {
			logger.WithField("fd", fd).Warn("descriptor already subscribed")
			return
		}
	}
	b.pollList = append(b.pollList, unix.PollFd{Fd: int32(fd), Events: events})
}

func (b *backend) pollRemove(fd int) {
	b.pollmu.Lock()
	defer b.pollmu.Unlock()
	for i, pfd := range b.pollList {
		if int(pfd.Fd) == fd {
			b.pollList = append(b.pollList[:i], b.pollList[i+1:]...)
			return
		}
	}
}

// cleanup reaps delete-list channels whose transfers have all
// resolved. Callers must hold chmu exclusive.
func (b *backend) cleanup() bool {
	b.delmu.Lock()
	pending := b.deleteList
	b.deleteList = nil
	b.delmu.Unlock()

	var kept []*fileChannel
	for _, fc := range pending {
		if fc.busy() {
			logger.Info("busy channel skips cleanup")
			kept = append(kept, fc)
			continue
		}
		b.pollRemove(fc.fdrd)
		b.pollRemove(fc.fdwr)
		b.removeChannelLocked(fc)
		b.arenaDelete(fc.token)
		fc.destroy()
	}
	if kept != nil {
		b.delmu.Lock()
		b.deleteList = append(kept, b.deleteList...)
		b.delmu.Unlock()
	}
	return len(b.channels) == 0
}

func (b *backend) removeChannelLocked(fc *fileChannel) {
	for i, c := range b.channels {
		if c == fc {
			b.channels = append(b.channels[:i], b.channels[i+1:]...)
			return
		}
	}
}

// shutdown tears the context down: every channel is cancelled, then
// up to five drain rounds with growing timeouts let the cancellations
// complete before the engine and the libusb context go away.
func (b *backend) shutdown() {
	b.chmu.Lock()
	for _, fc := range b.channels {
		if !fc.removed.Load() {
			fc.close()
			b.scheduleRemoval(fc)
		}
	}
	b.cleanup()
	b.chmu.Unlock()

	for i := 1; i <= 5 && b.pendingDeletes() > 0; i++ {
		b.eng.HandleEvents(time.Duration(i) * 100 * time.Millisecond)
		b.chmu.Lock()
		b.cleanup()
		b.chmu.Unlock()
	}
	b.eng.Close()
	b.host.Close()
}
