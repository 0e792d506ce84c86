//go:build linux && cgo && ibverbs

package verbs

/*
#cgo LDFLAGS: -libverbs
#include <stdlib.h>
#include <string.h>
#include <infiniband/verbs.h>

static struct ibv_device *find_device(const char *name) {
	int n = 0;
	struct ibv_device **list = ibv_get_device_list(&n);
	if (!list) return NULL;
	struct ibv_device *found = NULL;
	for (int i = 0; i < n; i++) {
		if (strcmp(ibv_get_device_name(list[i]), name) == 0) {
			found = list[i];
			break;
		}
	}
	ibv_free_device_list(list);
	return found;
}

static int modify_qp_init(struct ibv_qp *qp, uint8_t port) {
	struct ibv_qp_attr attr;
	memset(&attr, 0, sizeof(attr));
	attr.qp_state = IBV_QPS_INIT;
	attr.port_num = port;
	attr.pkey_index = 0;
	attr.qp_access_flags = IBV_ACCESS_LOCAL_WRITE | IBV_ACCESS_REMOTE_READ | IBV_ACCESS_REMOTE_WRITE;
	int mask = IBV_QP_STATE | IBV_QP_PKEY_INDEX | IBV_QP_PORT | IBV_QP_ACCESS_FLAGS;
	return ibv_modify_qp(qp, &attr, mask);
}

static int modify_qp_rtr(struct ibv_qp *qp, uint8_t port, uint32_t remote_qpn,
                          uint16_t dlid, uint32_t remote_psn, const uint8_t *gid) {
	struct ibv_qp_attr attr;
	memset(&attr, 0, sizeof(attr));
	attr.qp_state = IBV_QPS_RTR;
	attr.path_mtu = IBV_MTU_1024;
	attr.dest_qp_num = remote_qpn;
	attr.rq_psn = remote_psn;
	attr.max_dest_rd_atomic = 4;
	attr.min_rnr_timer = 12;
	attr.ah_attr.dlid = dlid;
	attr.ah_attr.sl = 0;
	attr.ah_attr.src_path_bits = 0;
	attr.ah_attr.port_num = port;
	if (gid != NULL) {
		memcpy(attr.ah_attr.grh.dgid.raw, gid, 16);
		attr.ah_attr.is_global = 1;
		attr.ah_attr.grh.hop_limit = 1;
		attr.ah_attr.grh.sgid_index = 0;
	}
	int mask = IBV_QP_STATE | IBV_QP_AV | IBV_QP_PATH_MTU | IBV_QP_DEST_QPN |
		IBV_QP_RQ_PSN | IBV_QP_MAX_DEST_RD_ATOMIC | IBV_QP_MIN_RNR_TIMER;
	return ibv_modify_qp(qp, &attr, mask);
}

static int modify_qp_rts(struct ibv_qp *qp, uint32_t local_psn) {
	struct ibv_qp_attr attr;
	memset(&attr, 0, sizeof(attr));
	attr.qp_state = IBV_QPS_RTS;
	attr.timeout = 14;
	attr.retry_cnt = 7;
	attr.rnr_retry = 7;
	attr.sq_psn = local_psn;
	attr.max_rd_atomic = 4;
	int mask = IBV_QP_STATE | IBV_QP_TIMEOUT | IBV_QP_RETRY_CNT |
		IBV_QP_RNR_RETRY | IBV_QP_SQ_PSN | IBV_QP_MAX_RD_ATOMIC;
	return ibv_modify_qp(qp, &attr, mask);
}

static int post_rdma_read(struct ibv_qp *qp, uint64_t wr_id, void *local_addr,
                           uint32_t length, uint32_t lkey, uint64_t remote_addr, uint32_t rkey) {
	struct ibv_sge sge;
	memset(&sge, 0, sizeof(sge));
	sge.addr = (uint64_t)(uintptr_t)local_addr;
	sge.length = length;
	sge.lkey = lkey;

	struct ibv_send_wr wr;
	memset(&wr, 0, sizeof(wr));
	wr.wr_id = wr_id;
	wr.sg_list = &sge;
	wr.num_sge = 1;
	wr.opcode = IBV_WR_RDMA_READ;
	wr.send_flags = IBV_SEND_SIGNALED;
	wr.wr.rdma.remote_addr = remote_addr;
	wr.wr.rdma.rkey = rkey;

	struct ibv_send_wr *bad_wr = NULL;
	return ibv_post_send(qp, &wr, &bad_wr);
}
*/
import "C"

import (
	"context"
	"fmt"
	"syscall"
	"unsafe"

	"github.com/behrlich/rdmafetch/internal/wireproto"
)

const hcaPort = C.uint8_t(1)

type deviceImpl struct {
	ctx  *C.struct_ibv_context
	name string
	lid  uint16
	gid  [16]byte
}

func openDevice(deviceName string) (Device, error) {
	cName := C.CString(deviceName)
	defer C.free(unsafe.Pointer(cName))

	dev := C.find_device(cName)
	if dev == nil {
		return nil, fmt.Errorf("verbs: device %q not found", deviceName)
	}
	ctx := C.ibv_open_device(dev)
	if ctx == nil {
		return nil, fmt.Errorf("verbs: ibv_open_device(%q) failed", deviceName)
	}

	var portAttr C.struct_ibv_port_attr
	if rc := C.ibv_query_port(ctx, hcaPort, &portAttr); rc != 0 {
		C.ibv_close_device(ctx)
		return nil, fmt.Errorf("verbs: ibv_query_port failed: rc=%d", int(rc))
	}

	var gid C.union_ibv_gid
	if rc := C.ibv_query_gid(ctx, hcaPort, 0, &gid); rc != 0 {
		C.ibv_close_device(ctx)
		return nil, fmt.Errorf("verbs: ibv_query_gid failed: rc=%d", int(rc))
	}
	var gidBytes [16]byte
	C.memcpy(unsafe.Pointer(&gidBytes[0]), unsafe.Pointer(&gid), 16)

	return &deviceImpl{
		ctx:  ctx,
		name: deviceName,
		lid:  uint16(portAttr.lid),
		gid:  gidBytes,
	}, nil
}

func (d *deviceImpl) Name() string  { return d.name }
func (d *deviceImpl) LID() uint16   { return d.lid }
func (d *deviceImpl) GID() [16]byte { return d.gid }

func (d *deviceImpl) AllocPD() (PD, error) {
	pd := C.ibv_alloc_pd(d.ctx)
	if pd == nil {
		return nil, fmt.Errorf("verbs: ibv_alloc_pd failed")
	}
	return &pdImpl{pd: pd}, nil
}

func (d *deviceImpl) CreateCQ(capacity int) (CQ, error) {
	cq := C.ibv_create_cq(d.ctx, C.int(capacity), nil, nil, 0)
	if cq == nil {
		return nil, fmt.Errorf("verbs: ibv_create_cq failed")
	}
	return &cqImpl{cq: cq}, nil
}

func (d *deviceImpl) CreateQP(pd PD, cq CQ, maxSendWR int) (QP, error) {
	pdi, ok := pd.(*pdImpl)
	if !ok {
		return nil, fmt.Errorf("verbs: CreateQP given foreign PD implementation")
	}
	cqi, ok := cq.(*cqImpl)
	if !ok {
		return nil, fmt.Errorf("verbs: CreateQP given foreign CQ implementation")
	}

	var attr C.struct_ibv_qp_init_attr
	C.memset(unsafe.Pointer(&attr), 0, C.sizeof_struct_ibv_qp_init_attr)
	attr.qp_type = C.IBV_QPT_RC
	attr.send_cq = cqi.cq
	attr.recv_cq = cqi.cq
	attr.cap.max_send_wr = C.uint32_t(maxSendWR)
	attr.cap.max_recv_wr = 1
	attr.cap.max_send_sge = 1
	attr.cap.max_recv_sge = 1

	qp := C.ibv_create_qp(pdi.pd, &attr)
	if qp == nil {
		return nil, fmt.Errorf("verbs: ibv_create_qp failed")
	}
	return &qpImpl{qp: qp, port: hcaPort}, nil
}

func (d *deviceImpl) Close() error {
	if rc := C.ibv_close_device(d.ctx); rc != 0 {
		return fmt.Errorf("verbs: ibv_close_device failed: rc=%d", int(rc))
	}
	return nil
}

type pdImpl struct {
	pd *C.struct_ibv_pd
}

func (p *pdImpl) RegisterMR(buf []byte, access AccessFlags) (MR, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("verbs: RegisterMR called with empty buffer")
	}
	mr, errno := C.ibv_reg_mr(p.pd, unsafe.Pointer(&buf[0]), C.size_t(len(buf)), C.int(access))
	if mr == nil {
		// ENOMEM is libibverbs' signal that registration resources are
		// exhausted; surface it as the package's transient sentinel.
		if errno == syscall.ENOMEM {
			return nil, ErrOutOfMemory
		}
		return nil, fmt.Errorf("verbs: ibv_reg_mr failed: %v", errno)
	}
	return &mrImpl{mr: mr, buf: buf}, nil
}

func (p *pdImpl) Close() error {
	if rc := C.ibv_dealloc_pd(p.pd); rc != 0 {
		return fmt.Errorf("verbs: ibv_dealloc_pd failed: rc=%d", int(rc))
	}
	return nil
}

type mrImpl struct {
	mr  *C.struct_ibv_mr
	buf []byte
}

func (m *mrImpl) LKey() uint32   { return uint32(m.mr.lkey) }
func (m *mrImpl) RKey() uint32   { return uint32(m.mr.rkey) }
func (m *mrImpl) Bytes() []byte  { return m.buf }
func (m *mrImpl) Deregister() error {
	if rc := C.ibv_dereg_mr(m.mr); rc != 0 {
		return fmt.Errorf("verbs: ibv_dereg_mr failed: rc=%d", int(rc))
	}
	return nil
}

type qpImpl struct {
	qp   *C.struct_ibv_qp
	port C.uint8_t
}

func (q *qpImpl) QPNum() uint32 { return uint32(q.qp.qp_num) }

func (q *qpImpl) Connect(ctx context.Context, remote wireproto.QpEndpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rc := C.modify_qp_init(q.qp, q.port); rc != 0 {
		return fmt.Errorf("%w: init: rc=%d", ErrQPTransition, int(rc))
	}

	var gidPtr *C.uint8_t
	if remote.GID != ([16]byte{}) {
		gidPtr = (*C.uint8_t)(unsafe.Pointer(&remote.GID[0]))
	}
	if rc := C.modify_qp_rtr(q.qp, q.port, C.uint32_t(remote.QPNum), C.uint16_t(remote.LID), C.uint32_t(remote.PSN), gidPtr); rc != 0 {
		return fmt.Errorf("%w: rtr: rc=%d", ErrQPTransition, int(rc))
	}

	if rc := C.modify_qp_rts(q.qp, C.uint32_t(remote.PSN)); rc != 0 {
		return fmt.Errorf("%w: rts: rc=%d", ErrQPTransition, int(rc))
	}
	return nil
}

func (q *qpImpl) PostRead(wrID uint64, local []byte, mr MR, remote wireproto.RemoteSlice) error {
	if len(local) == 0 {
		return fmt.Errorf("verbs: PostRead called with empty local buffer")
	}
	mri, ok := mr.(*mrImpl)
	if !ok {
		return fmt.Errorf("verbs: PostRead given foreign MR implementation")
	}
	rc := C.post_rdma_read(q.qp, C.uint64_t(wrID), unsafe.Pointer(&local[0]),
		C.uint32_t(len(local)), C.uint32_t(mri.LKey()), C.uint64_t(remote.Addr), C.uint32_t(remote.RKey))
	if rc != 0 {
		// ENOMEM means the send queue has no free slots right now.
		if C.int(rc) == C.ENOMEM {
			return ErrOutOfMemory
		}
		return fmt.Errorf("verbs: ibv_post_send failed: rc=%d", int(rc))
	}
	return nil
}

func (q *qpImpl) Close() error {
	if rc := C.ibv_destroy_qp(q.qp); rc != 0 {
		return fmt.Errorf("verbs: ibv_destroy_qp failed: rc=%d", int(rc))
	}
	return nil
}

type cqImpl struct {
	cq *C.struct_ibv_cq
}

func (c *cqImpl) Poll(max int) ([]Result, error) {
	if max <= 0 {
		return nil, nil
	}
	wcs := make([]C.struct_ibv_wc, max)
	n := C.ibv_poll_cq(c.cq, C.int(max), &wcs[0])
	if n < 0 {
		return nil, fmt.Errorf("verbs: ibv_poll_cq failed: rc=%d", int(n))
	}
	results := make([]Result, 0, n)
	for i := 0; i < int(n); i++ {
		wc := wcs[i]
		res := simpleResult{wrID: uint64(wc.wr_id), success: wc.status == C.IBV_WC_SUCCESS}
		if !res.success {
			res.err = fmt.Errorf("%w: status=%d", ErrInvalidCompletion, uint32(wc.status))
		}
		results = append(results, res)
	}
	return results, nil
}

func (c *cqImpl) Close() error {
	if rc := C.ibv_destroy_cq(c.cq); rc != 0 {
		return fmt.Errorf("verbs: ibv_destroy_cq failed: rc=%d", int(rc))
	}
	return nil
}
