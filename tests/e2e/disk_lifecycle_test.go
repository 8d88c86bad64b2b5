package e2e

import (
	"context"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/apolo-us/platform-disk-api/pkg/disk"
)

var _ = Describe("Disk lifecycle", func() {
	var (
		ctx     context.Context
		cancel  context.CancelFunc
		org     string
		project string
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Minute)
		org = "e2e-org"
		project = fmt.Sprintf("e2e-%d", time.Now().UnixNano())
	})

	AfterEach(func() {
		disks, err := service.GetAllDisks(ctx, org, project)
		if err == nil {
			for _, d := range disks {
				_ = service.RemoveDisk(ctx, d)
			}
		}
		cancel()
	})

	It("creates, reads and removes a disk", func() {
		created, err := service.CreateDisk(ctx, disk.Request{
			Storage: 1 << 30,
			Org:     org,
			Project: project,
			Name:    "e2e-data",
		}, "e2e-user")
		Expect(err).NotTo(HaveOccurred())
		Expect(created.ID).NotTo(BeEmpty())
		Expect(created.Owner).To(Equal("e2e-user"))

		By("fetching by id")
		got, err := service.GetDisk(ctx, org, project, created.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Name).To(Equal("e2e-data"))

		By("fetching by name")
		byName, err := service.GetDiskByName(ctx, "e2e-data", org, project)
		Expect(err).NotTo(HaveOccurred())
		Expect(byName.ID).To(Equal(created.ID))

		By("appearing in the project listing")
		disks, err := service.GetAllDisks(ctx, org, project)
		Expect(err).NotTo(HaveOccurred())
		Expect(disks).To(HaveLen(1))

		By("removing the disk")
		Expect(service.RemoveDisk(ctx, got)).To(Succeed())

		Eventually(func() error {
			_, err := service.GetDisk(ctx, org, project, created.ID)
			return err
		}, 30*time.Second, time.Second).Should(MatchError(disk.ErrNotFound))

		By("releasing the name")
		_, err = service.GetDiskByName(ctx, "e2e-data", org, project)
		Expect(err).To(MatchError(disk.ErrNotFound))
	})

	It("rejects a duplicate disk name within a project", func() {
		_, err := service.CreateDisk(ctx, disk.Request{
			Storage: 1 << 30,
			Org:     org,
			Project: project,
			Name:    "e2e-dup",
		}, "e2e-user")
		Expect(err).NotTo(HaveOccurred())

		_, err = service.CreateDisk(ctx, disk.Request{
			Storage: 1 << 30,
			Org:     org,
			Project: project,
			Name:    "e2e-dup",
		}, "e2e-user")
		Expect(err).To(MatchError(disk.ErrNameUsed))
	})

	It("tracks usage marks", func() {
		created, err := service.CreateDisk(ctx, disk.Request{
			Storage: 1 << 30,
			Org:     org,
			Project: project,
		}, "e2e-user")
		Expect(err).NotTo(HaveOccurred())

		Expect(service.MarkDiskUsage(ctx, created.Namespace(), created.ID, time.Now())).To(Succeed())

		got, err := service.GetDisk(ctx, org, project, created.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.LastUsage.IsZero()).To(BeFalse())
	})
})
