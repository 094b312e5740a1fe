//go:build !no_web && !no_automation

package main

import "blz-host/internal/web"

func (a *autoStopper) webOptions() []web.ServerOption {
	if a.engine == nil {
		return nil
	}
	return []web.ServerOption{web.WithAutomation(a.engine, a.mgr)}
}
