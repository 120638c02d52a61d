// Copyright (c) 2026 The tapearc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

// Package dispatcher decodes one request object and routes it to the
// registration, info, or listing handlers (spec §4.3).
package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/tapearc/tapearcd/internal/jsonutil"
	"github.com/tapearc/tapearcd/internal/listing"
	"github.com/tapearc/tapearcd/internal/store"
	"github.com/tapearc/tapearcd/internal/ticket"
)

// Registration reply codes, per spec §4.3.
const (
	CodeOK                = 0
	CodeRescheduled       = 1
	CodeAlreadyRegistered = 2
	CodeFailed            = 3
)

// ErrBadRequest marks a malformed or unrecognized request; the listener
// must not touch the ticket store in response to it.
var ErrBadRequest = errors.New("dispatcher: bad request")

// Toucher refreshes the daemon's idle-shutdown heartbeat; Scheduler
// implements it. Every request updates it, per spec §4.3/§4.5.
type Toucher interface {
	Touch()
}

// rawRequest is the wire request shape; exactly one of the recognized
// fields should be present, and routing uses the first match in table
// order (get, put, info, list, completion_list), per spec §4.3.
type rawRequest struct {
	Get            *string     `json:"get"`
	Put            *string     `json:"put"`
	Info           *string     `json:"info"`
	List           *bool       `json:"list"`
	CompletionList *string     `json:"completion_list"`
	LocalFile      string      `json:"local_file"`
	RemoteFile     string      `json:"remote_file"`
	Limit          int         `json:"limit"`
	Filter         *listFilter `json:"filter"`
}

type listFilter struct {
	Active bool `json:"active"`
}

// RegistrationResponse is the one-shot reply to `get`/`put`.
type RegistrationResponse struct {
	File   string         `json:"file"`
	Ticket *ticket.Ticket `json:"ticket"`
	Code   int            `json:"code"`
	Msg    string         `json:"msg"`
}

// Result is the outcome of dispatching one request: either a one-shot
// JSON-marshalable value, or a streaming pair the listener drains until
// Stream closes, checking StreamErr once it does.
type Result struct {
	Streaming bool
	OneShot   any
	Stream    <-chan any
	StreamErr <-chan error
}

// Dispatcher implements the request-routing contract of spec §4.3.
type Dispatcher struct {
	store      *store.Store
	lister     *listing.Lister
	completion *listing.CompletionCache
	toucher    Toucher
	zone       string
	user       string
}

// New constructs a Dispatcher. zone and user are substituted for
// "{zone}"/"{user}" placeholders in remote paths.
func New(st *store.Store, lister *listing.Lister, completion *listing.CompletionCache, toucher Toucher, zone, user string) *Dispatcher {
	return &Dispatcher{store: st, lister: lister, completion: completion, toucher: toucher, zone: zone, user: user}
}

// Dispatch decodes payload and routes it. A malformed payload or an
// unrecognized top-level key returns ErrBadRequest.
func (d *Dispatcher) Dispatch(ctx context.Context, payload []byte) (Result, error) {
	d.toucher.Touch()

	var req rawRequest
	if err := jsonutil.Unmarshal(payload, &req); err != nil {
		return Result{}, errors.Mark(errors.Wrap(err, "decoding request"), ErrBadRequest)
	}

	switch {
	case req.Get != nil:
		return d.dispatchGet(*req.Get, req.LocalFile)
	case req.Put != nil:
		return d.dispatchPut(*req.Put, req.RemoteFile)
	case req.Info != nil:
		return d.dispatchInfo(ctx, *req.Info)
	case req.List != nil && *req.List:
		return d.dispatchList(ctx, req)
	case req.CompletionList != nil:
		return d.dispatchCompletionList(ctx, *req.CompletionList)
	default:
		return Result{}, errors.Mark(errors.Newf("unrecognized request: %s", payload), ErrBadRequest)
	}
}

func (d *Dispatcher) dispatchGet(remoteFile, localFile string) (Result, error) {
	remoteFile = d.substitutePlaceholders(remoteFile)
	if !strings.HasPrefix(remoteFile, "/") {
		remoteFile = fmt.Sprintf("/%s/home/%s/%s", d.zone, d.user, remoteFile)
	}
	resp := d.registerOrReschedule(ticket.Get, localFile, remoteFile, remoteFile)
	return Result{OneShot: resp}, nil
}

func (d *Dispatcher) dispatchPut(localFile, remoteFile string) (Result, error) {
	remoteFile = d.substitutePlaceholders(remoteFile)
	resp := d.registerOrReschedule(ticket.Put, localFile, remoteFile, localFile)
	return Result{OneShot: resp}, nil
}

// substitutePlaceholders always substitutes {zone}/{user}, resolving the
// source's inconsistency (spec §9 open question) in favor of uniform
// behavior for both GET and PUT.
func (d *Dispatcher) substitutePlaceholders(remoteFile string) string {
	r := strings.ReplaceAll(remoteFile, "{zone}", d.zone)
	r = strings.ReplaceAll(r, "{user}", d.user)
	return r
}

// registerOrReschedule implements the registration semantics common to
// GET and PUT, per spec §4.3.
func (d *Dispatcher) registerOrReschedule(mode ticket.Mode, localFile, remoteFile, file string) RegistrationResponse {
	id := ticket.Identity{LocalFile: localFile, RemoteFile: remoteFile}

	existing, found := d.store.Get(id)
	if found && existing.Status.IsActive() {
		return RegistrationResponse{
			File:   file,
			Ticket: existing,
			Code:   CodeAlreadyRegistered,
			Msg:    fmt.Sprintf("%s already registered", file),
		}
	}

	tk := ticket.New(mode, localFile, remoteFile, time.Now())
	if mode == ticket.Put {
		// A missing local file is left for the scheduler's upload check.
		_ = tk.CaptureLocalAttributes()
	}
	if err := d.store.Create(tk); err != nil {
		return RegistrationResponse{File: file, Ticket: nil, Code: CodeFailed, Msg: err.Error()}
	}

	code, msg := CodeOK, "scheduled"
	if found {
		code, msg = CodeRescheduled, "rescheduled"
	}
	return RegistrationResponse{File: file, Ticket: tk, Code: code, Msg: msg}
}

func (d *Dispatcher) dispatchInfo(ctx context.Context, remoteFile string) (Result, error) {
	remoteFile = d.substitutePlaceholders(remoteFile)
	out, errc := d.lister.Stream(ctx, listing.Filter{RemoteFile: remoteFile}, 1)

	var record any = struct{}{}
	for r := range out {
		record = r
	}
	if err := <-errc; err != nil {
		return Result{}, err
	}
	return Result{OneShot: record}, nil
}

func (d *Dispatcher) dispatchList(ctx context.Context, req rawRequest) (Result, error) {
	filter := listing.Filter{}
	if req.Filter != nil {
		filter.Active = req.Filter.Active
	}
	out, errc := d.lister.Stream(ctx, filter, req.Limit)
	return Result{Streaming: true, Stream: relay(out), StreamErr: errc}, nil
}

func (d *Dispatcher) dispatchCompletionList(ctx context.Context, prefix string) (Result, error) {
	paths, err := d.completion.Lookup(ctx, prefix)
	if err != nil {
		return Result{}, err
	}

	out := make(chan any)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)
		for _, p := range paths {
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}
	}()
	return Result{Streaming: true, Stream: out, StreamErr: errc}, nil
}

// relay adapts a <-chan listing.Record to the generic <-chan any the
// listener's wire encoder expects.
func relay(records <-chan listing.Record) <-chan any {
	out := make(chan any)
	go func() {
		defer close(out)
		for r := range records {
			out <- r
		}
	}()
	return out
}
