/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/valyala/bytebufferpool"

	internalshm "github.com/srediag/shm-pubsub/internal/shm"
)

// DebugSegmentDetail prints the header and pool or ring status of the segment mapped at path.
func DebugSegmentDetail(path string) {
	if err := WriteSegmentDetail(os.Stdout, path); err != nil {
		fmt.Println(err)
	}
}

// WriteSegmentDetail writes what DebugSegmentDetail prints to w.
func WriteSegmentDetail(w io.Writer, path string) error {
	ctx := context.Background()
	region, err := internalshm.MapRegion(ctx, internalshm.MapOptions{Path: path})
	if err != nil {
		return err
	}
	defer func() { _ = internalshm.UnmapRegion(ctx, region, false) }()

	seg := &Segment{region: region, mem: region.Addr}
	if len(seg.mem) < segHeaderSize {
		return fmt.Errorf("%s: %w", path, ErrBadMagic)
	}
	kind := SegmentKind(internalshm.AtomicLoadUint32(seg.ptr(segKindOff)))
	if err := seg.validate(kind); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	seg.kind = kind

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	_, _ = buf.WriteString("path:" + path)
	_, _ = buf.WriteString(" kind:" + kind.String())
	_, _ = buf.WriteString(" size:" + strconv.Itoa(seg.Size()))
	_, _ = buf.WriteString(" creator:" + strconv.Itoa(seg.CreatorPID()))
	_, _ = buf.WriteString(" ready:" + strconv.FormatBool(seg.Ready()))
	_, _ = buf.WriteString(" closed:" + strconv.FormatBool(seg.Closed()))
	_ = buf.WriteByte('\n')

	switch kind {
	case KindPool:
		p, err := mapSlotPool(seg)
		if err != nil {
			return err
		}
		st := p.Stats()
		_, _ = fmt.Fprintf(buf, "slots:%d free:%d loaned:%d sent:%d payload:%d align:%d userHeader:%d\n",
			st.Slots, st.Free, st.Loaned, st.Sent, p.PayloadSize(), p.PayloadAlign(), p.UserHeaderSize())
	case KindRing:
		r, err := mapRing(seg)
		if err != nil {
			return err
		}
		st := r.DebugState()
		_, _ = fmt.Fprintf(buf, "cap:%d enq:%d deq:%d len:%d dropped:%d policy:%s pubClosed:%t subClosed:%t\n",
			st.Capacity, st.Enqueued, st.Dequeued, st.Len, st.Dropped, st.Policy, st.PublisherClosed, st.SubscriberClosed)
	}
	_, err = w.Write(buf.B)
	return err
}
