//go:build !no_web && no_automation

package main

import "blz-host/internal/web"

func (a *autoStopper) webOptions() []web.ServerOption { return nil }
