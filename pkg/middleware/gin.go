package middleware

import (
	"bytes"

	"github.com/Sternrassler/edge-cache/pkg/responsecache"
	"github.com/gin-gonic/gin"
)

// Gin returns the interceptor as gin middleware.
func (i *Interceptor) Gin() gin.HandlerFunc {
	return func(c *gin.Context) {
		r := c.Request
		if !i.eligible(r) {
			interceptedRequests.WithLabelValues("pass").Inc()
			c.Next()
			return
		}

		key := responsecache.PathKey(r)
		if entry, ok := i.cache.Lookup(key); ok {
			i.replay(c.Writer, key, entry)
			c.Abort()
			return
		}

		interceptedRequests.WithLabelValues("miss").Inc()
		c.Header(HeaderCache, "MISS")

		bw := &bodyWriter{ResponseWriter: c.Writer}
		c.Writer = bw
		c.Next()
		c.Writer = bw.ResponseWriter

		i.store(r, key, c.Writer.Status(), c.Writer.Header(), bw.body.Bytes())
	}
}

// bodyWriter tees the response body written through gin.
type bodyWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *bodyWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *bodyWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}
