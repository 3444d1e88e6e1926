package queue

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
)

var _ = Describe("reclaimStale", func() {
	var (
		redisServer *miniredis.Miniredis
		redisClient *redis.Client
		q           *Queue
		ctx         context.Context
	)

	BeforeEach(func() {
		var err error
		redisServer, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		redisClient = redis.NewClient(&redis.Options{Addr: redisServer.Addr()})
		q = New(redisClient)
		ctx = context.Background()
	})

	AfterEach(func() {
		_ = redisClient.Close()
		redisServer.Close()
	})

	It("hands a crashed consumer's pending entry to handler instead of dropping it", func() {
		stream := streamName("generateImage")
		Expect(q.Enqueue(ctx, "generateImage", Message{ExecutionID: "exec-1", JobRecordID: "job-1"})).To(Succeed())

		// Simulate a consumer that read the message (creating a pending
		// entry in its name) but crashed before Ack.
		_, err := redisClient.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: "crashed-worker",
			Streams:  []string{stream, ">"},
			Count:    1,
		}).Result()
		Expect(err).NotTo(HaveOccurred())

		redisServer.FastForward(claimIdleAfter + time.Second)

		var handled atomic.Int32
		q.reclaimStale(ctx, stream, "survivor-worker", func(_ context.Context, msg Message) error {
			handled.Add(1)
			Expect(msg.JobRecordID).To(Equal("job-1"))
			return nil
		})

		Expect(handled.Load()).To(Equal(int32(1)), "a stale pending entry must be dispatched to handler, not silently dropped")

		pending, err := redisClient.XPending(ctx, stream, consumerGroup).Result()
		Expect(err).NotTo(HaveOccurred())
		Expect(pending.Count).To(Equal(int64(0)), "a successfully handled reclaimed entry must be acked")
	})

	It("leaves a reclaimed entry pending when handler fails, for the next reclaim pass", func() {
		stream := streamName("generateVideo")
		Expect(q.Enqueue(ctx, "generateVideo", Message{ExecutionID: "exec-2", JobRecordID: "job-2"})).To(Succeed())

		_, err := redisClient.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: "crashed-worker",
			Streams:  []string{stream, ">"},
			Count:    1,
		}).Result()
		Expect(err).NotTo(HaveOccurred())

		redisServer.FastForward(claimIdleAfter + time.Second)

		q.reclaimStale(ctx, stream, "survivor-worker", func(_ context.Context, _ Message) error {
			return context.DeadlineExceeded
		})

		pending, err := redisClient.XPending(ctx, stream, consumerGroup).Result()
		Expect(err).NotTo(HaveOccurred())
		Expect(pending.Count).To(Equal(int64(1)))
	})
})
