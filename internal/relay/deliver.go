package relay

import (
	"context"
	"net/http"
	"strings"

	"debugbar_relay/internal/session"
)

const (
	barTarget        = "Debugbar.Bar"
	blueScreenTarget = "Debugbar.BlueScreen"

	methodInit     = "init"
	methodLoadAjax = "loadAjax"
)

// Delivery summarises one content poll.
type Delivery struct {
	Invocations int
	BlueScreen  bool
	StoreErrors int
}

// Deliver answers a content poll: the bundle first for initial loads, then
// one invocation per stored entry, then any pending bluescreen for the same
// id. Every key read is cleared; stale entries are dropped unseen.
func (c *Controller) Deliver(ctx context.Context, w http.ResponseWriter, store session.Store, asset Asset) Delivery {
	var out Delivery
	header := w.Header()
	header.Set("Content-Type", "text/javascript; charset="+c.encoder.Charset())
	header.Set("Cache-Control", "max-age=60")
	header.Del("Set-Cookie")

	var body strings.Builder
	if !asset.Ajax && c.assets != nil {
		bundle, err := c.assets.Bundle(ctx)
		if err != nil {
			c.logger.Error("build asset bundle", "error", err)
		} else {
			body.Write(bundle)
		}
	}

	if asset.ID != "" && store != nil && store.IsActive() {
		method := methodInit
		if asset.Ajax {
			method = methodLoadAjax
		}
		entries, err := session.Take(ctx, store, session.BarKey(asset.queueID()))
		c.deliveryError(&out, "take", err)
		for _, entry := range entries {
			if !c.retention.Fresh(entry) {
				continue
			}
			if c.writeStatement(&body, barTarget, method, entry) {
				out.Invocations++
			}
		}
		c.metrics.RecordInvocations(method, out.Invocations)

		screens, err := session.Take(ctx, store, session.BlueScreenKey(asset.ID))
		c.deliveryError(&out, "take", err)
		if len(screens) > 0 && c.retention.Fresh(screens[len(screens)-1]) {
			if c.writeStatement(&body, blueScreenTarget, methodLoadAjax, screens[len(screens)-1]) {
				out.BlueScreen = true
				c.metrics.RecordInvocations("bluescreen", 1)
			}
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body.String()))
	return out
}

func (c *Controller) writeStatement(body *strings.Builder, target string, method string, entry session.Entry) bool {
	statement, err := c.encoder.Statement(target, method, entry.Content, entry.Dumps)
	if err != nil {
		c.logger.Warn("encode delivery", "target", target, "error", err)
		return false
	}
	if body.Len() > 0 {
		body.WriteByte('\n')
	}
	body.WriteString(statement)
	return true
}

func (c *Controller) deliveryError(out *Delivery, op string, err error) {
	if err == nil {
		return
	}
	out.StoreErrors++
	c.metrics.RecordStoreError(op)
	c.logger.Warn("relay store error", "op", op, "error", err)
}
