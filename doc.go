// Copyright 2022 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package adsp provides a Go library to bring up and talk to the audio DSP
of MediaTek MT8186 class SoCs running Sound Open Firmware
(https://thesofproject.github.io).

A Device is probed from platform resources (normally the kernel's
flattened device tree): the config, security and bus register windows,
the DSP instruction SRAM and the reserved DRAM are mapped from /dev/mem,
the DSP's view of DRAM is remapped, the clock and SRAM are powered, and
the two mailbox interrupts are attached through UIO. Run boots the core.

Host requests are written to the host mailbox window and signalled with
the REQ doorbell; only one request may be outstanding. Replies, DSP
initiated messages and firmware panics arrive as interrupts and are
handled by the ipc package. Suspend, Resume and Remove drain the pending
request before changing power state.

This package does not load firmware; the SRAM image must be in place
before Run.
*/
package adsp
